// Command botseal encrypts plain bot credentials into the bots file read by
// the worker. The passphrase comes from BOTS_PASSPHRASE.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"escrow-engine/internal/botpool"
	"escrow-engine/internal/tradenet"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
)

type plainBot struct {
	ID       string `json:"id"`
	TradeURL string `json:"trade_url"`
	tradenet.Credentials
}

func main() {
	in := flag.String("in", "-", "plain bots JSON array, - for stdin")
	out := flag.String("out", "bots.json", "sealed bots file to write")
	flag.Parse()

	_ = godotenv.Load()
	if err := run(*in, *out, os.Getenv("BOTS_PASSPHRASE")); err != nil {
		fmt.Fprintln(os.Stderr, "botseal:", err)
		os.Exit(1)
	}
}

func run(in, out, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("BOTS_PASSPHRASE is not set")
	}

	var r io.Reader = os.Stdin
	if in != "-" {
		f, err := os.Open(in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	var plain []plainBot
	if err := json.NewDecoder(r).Decode(&plain); err != nil {
		return fmt.Errorf("parse input: %w", err)
	}

	sealed := make([]botpool.BotConfig, 0, len(plain))
	for _, b := range plain {
		if b.ID == "" {
			return fmt.Errorf("entry without id")
		}
		salt, err := botpool.NewSalt()
		if err != nil {
			return err
		}
		key, err := botpool.DeriveKey(passphrase, salt)
		if err != nil {
			return err
		}
		box, err := botpool.Seal(b.Credentials, key)
		if err != nil {
			return fmt.Errorf("seal %s: %w", b.ID, err)
		}
		sealed = append(sealed, botpool.BotConfig{
			ID:          b.ID,
			AccountName: b.AccountName,
			TradeURL:    b.TradeURL,
			Salt:        salt,
			Credentials: box,
		})
	}

	data, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "sealed %d bots into %s\n", len(sealed), out)
	return nil
}
