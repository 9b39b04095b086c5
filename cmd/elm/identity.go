package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/elmops/elm/internal/crypto"
	"github.com/elmops/elm/internal/identity"
)

func newIdentityCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show the local identity, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := c.newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			printIdentity(c.stdout, rt.self)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Replace the local identity with a fresh key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := c.newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			fresh, err := rt.ids.Create(cmd.Context())
			if err != nil {
				return err
			}
			rt.self = fresh
			printIdentity(c.stdout, fresh)
			return nil
		},
	})
	return cmd
}

func printIdentity(w io.Writer, ident identity.Identity) {
	pub := ident.Public()
	fmt.Fprintf(w, "id:          %s\n", pub.ID)
	fmt.Fprintf(w, "fingerprint: %s\n", crypto.Fingerprint(ident.Keys.Public))
	fmt.Fprintf(w, "public key:  %s\n", pub.PublicKey)
}
