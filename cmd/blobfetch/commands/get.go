// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package commands

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/flowmesh/blobfetch/biconn"
	"github.com/flowmesh/blobfetch/blobhash"
	"github.com/flowmesh/blobfetch/obslog"
	"github.com/flowmesh/blobfetch/ticket"
	"github.com/flowmesh/blobfetch/transfer"
)

const dialTimeout = 10 * time.Second

type getFlags struct {
	out         string
	single      bool
	node        string
	insecureTLS bool
}

func newGetCmd() *cobra.Command {
	flags := &getFlags{}
	c := &cobra.Command{
		Use:   "get <ticket-or-hash>",
		Short: "Fetch a blob or collection and write it under --out",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("get requires exactly one ticket or hash argument")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, args[0], flags)
		},
	}
	c.Flags().StringVar(&flags.out, "out", ".", "destination directory for fetched files")
	c.Flags().BoolVar(&flags.single, "single", false, "treat the target as a single blob rather than a collection")
	c.Flags().StringVar(&flags.node, "node", "", "provider address (host:port), required when the argument is a raw hash rather than a ticket")
	c.Flags().BoolVar(&flags.insecureTLS, "insecure-skip-verify", false, "skip TLS certificate verification when dialing the provider")
	return c
}

func runGet(cmd *cobra.Command, target string, flags *getFlags) error {
	rootHash, addr, err := resolveTarget(target, flags.node)
	if err != nil {
		return err
	}

	log, err := obslog.New()
	if err != nil {
		return fmt.Errorf("blobfetch: init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
	defer cancel()

	tlsConf := &tls.Config{
		NextProtos:         []string{biconn.ALPN},
		InsecureSkipVerify: flags.insecureTLS,
	}
	conn, err := biconn.Dial(ctx, addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "done") //nolint:errcheck

	stream, err := biconn.OpenRequestStream(ctx, conn)
	if err != nil {
		return err
	}
	defer stream.Close() //nolint:errcheck

	fs := afero.NewOsFs()
	driver := transfer.NewDriver(fs, log)
	tempDir := filepath.Join(flags.out, transfer.DefaultTempDirName)

	onProgress := func(written uint64) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%s: %d bytes", rootHash.Hex(), written)
	}

	var stats transfer.Stats
	if flags.single {
		stats, err = driver.FetchSingle(stream, rootHash, flags.out, tempDir, onProgress)
	} else {
		stats, err = driver.FetchCollection(stream, rootHash, flags.out, tempDir, onProgress)
	}
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	cmd.Printf("fetched %d bytes into %s\n", stats.BytesRead, flags.out)
	return nil
}

// resolveTarget parses target as a ticket first, falling back to a raw
// hex-encoded or CID-text hash paired with the --node flag.
func resolveTarget(target, node string) (blobhash.Hash, string, error) {
	if tk, err := ticket.ParseTicket(target); err == nil {
		if len(tk.Nodes) == 0 {
			return blobhash.Hash{}, "", fmt.Errorf("ticket carries no node addresses")
		}
		for _, n := range tk.Nodes {
			if len(n.Addrs) > 0 {
				return tk.RootHash, n.Addrs[0], nil
			}
		}
		return blobhash.Hash{}, "", fmt.Errorf("ticket nodes carry no dialable addresses")
	}

	hash, err := parseHash(target)
	if err != nil {
		return blobhash.Hash{}, "", fmt.Errorf("not a valid ticket or hash: %w", err)
	}
	if node == "" {
		return blobhash.Hash{}, "", fmt.Errorf("--node is required when fetching a raw hash")
	}
	return hash, node, nil
}

func parseHash(s string) (blobhash.Hash, error) {
	if h, err := blobhash.ParseCID(s); err == nil {
		return h, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return blobhash.Hash{}, fmt.Errorf("neither a CID nor hex digest: %w", err)
	}
	return blobhash.FromBytes(raw)
}
