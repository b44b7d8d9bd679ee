// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// letterclient is the end-user CLI: it generates keypairs, encrypts
// and submits letters to a relay, and retrieves and decrypts letters
// addressed to a local identity.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/letterrelay/relaynet/internal/block"
	"github.com/letterrelay/relaynet/internal/letter"
)

func main() {
	app := cli.NewApp()
	app.Name = "letterclient"
	app.Usage = "generate identities and exchange letters through a relay"
	app.HideVersion = true

	app.Commands = []cli.Command{
		{
			Name:      "generate",
			Usage:     "generate a keypair and write it to disk",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out, o", Value: "identity.keys", Usage: "*file to write the keypair to"},
			},
			Action: func(c *cli.Context) error {
				return runGenerate(c)
			},
		},
		{
			Name:      "send",
			Usage:     "encrypt and submit a letter to a relay",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "relay, r", Value: "", Usage: "*relay base URL"},
				cli.StringFlag{Name: "keys, k", Value: "identity.keys", Usage: "sender keypair file"},
				cli.StringFlag{Name: "to, t", Value: "", Usage: "*recipient public key, hex-encoded"},
				cli.StringFlag{Name: "message, m", Value: "", Usage: "*plaintext message"},
			},
			Action: func(c *cli.Context) error {
				return runSend(c)
			},
		},
		{
			Name:      "read",
			Usage:     "fetch a relay's chain and decrypt letters addressed to this identity",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "relay, r", Value: "", Usage: "*relay base URL"},
				cli.StringFlag{Name: "keys, k", Value: "identity.keys", Usage: "recipient keypair file"},
				cli.StringFlag{Name: "from, f", Value: "", Usage: "*sender public key, hex-encoded"},
			},
			Action: func(c *cli.Context) error {
				return runRead(c)
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

// keyFile is the on-disk shape of a generated keypair.
type keyFile struct {
	Public  string `json:"public"`
	Private string `json:"private"`
}

func runGenerate(c *cli.Context) error {
	out := c.String("out")
	if out == "" {
		return fmt.Errorf("--out is required")
	}

	kp, err := letter.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("keypair generation failed: %w", err)
	}

	kf := keyFile{
		Public:  hex.EncodeToString(kp.Public[:]),
		Private: hex.EncodeToString(kp.Private[:]),
	}
	raw, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(out, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write %q: %w", out, err)
	}

	fmt.Printf("wrote keypair to %s\nfingerprint: %s\n", out, letter.Fingerprint(kp.Public))
	return nil
}

func loadKeyPair(path string) (*letter.KeyPair, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", path, err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, err
	}
	pub, err := decodeKey(kf.Public)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	priv, err := decodeKey(kf.Private)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &letter.KeyPair{Public: pub, Private: priv}, nil
}

func decodeKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	var out [32]byte
	copy(out[:], raw)
	return &out, nil
}

func runSend(c *cli.Context) error {
	relayURL := c.String("relay")
	toHex := c.String("to")
	message := c.String("message")
	if relayURL == "" || toHex == "" || message == "" {
		return fmt.Errorf("--relay, --to, and --message are required")
	}

	sender, err := loadKeyPair(c.String("keys"))
	if err != nil {
		return err
	}
	recipientPub, err := decodeKey(toHex)
	if err != nil {
		return fmt.Errorf("invalid --to key: %w", err)
	}

	envelope, err := letter.Encrypt([]byte(message), recipientPub, sender.Private)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"payload":          envelope,
		"ownerFingerprint": letter.Fingerprint(recipientPub),
	})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(relayURL, "/") + "/api/letters"
	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay responded %d: %s", resp.StatusCode, respBody)
	}

	fmt.Printf("delivered: %s\n", respBody)
	return nil
}

type blocksFullResponse struct {
	Blocks []*block.Block `json:"blocks"`
}

func runRead(c *cli.Context) error {
	relayURL := c.String("relay")
	fromHex := c.String("from")
	if relayURL == "" || fromHex == "" {
		return fmt.Errorf("--relay and --from are required")
	}

	recipient, err := loadKeyPair(c.String("keys"))
	if err != nil {
		return err
	}
	senderPub, err := decodeKey(fromHex)
	if err != nil {
		return fmt.Errorf("invalid --from key: %w", err)
	}

	endpoint := strings.TrimRight(relayURL, "/") + "/api/blocks/full"
	resp, err := http.Get(endpoint)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	var body blocksFullResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fingerprint := letter.Fingerprint(recipient.Public)
	found := 0
	for _, b := range body.Blocks {
		for _, l := range b.Letters {
			if l.OwnerFingerprint != fingerprint {
				continue
			}
			plaintext, err := letter.Decrypt(l.Payload, senderPub, recipient.Private)
			if err != nil {
				fmt.Printf("block %d: failed to decrypt: %s\n", b.Index, err)
				continue
			}
			fmt.Printf("block %d: %s\n", b.Index, plaintext)
			found++
		}
	}
	if found == 0 {
		fmt.Println("no letters found for this identity")
	}
	return nil
}
