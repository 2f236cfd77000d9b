package main

import (
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"nostr-threadfeed/internal/nips"
)

func newQRCommand(opts *rootOptions) *cobra.Command {
	var (
		pngPath string
		size    int
	)

	cmd := &cobra.Command{
		Use:   "qr <note|nevent|npub|nprofile>",
		Short: "Print a scannable nostr: URI for a thread root or author",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := canonicalURI(args[0])
			if err != nil {
				return err
			}

			if pngPath != "" {
				if err := qrcode.WriteFile(uri, qrcode.Medium, size, pngPath); err != nil {
					return fmt.Errorf("failed to write QR code: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s written to %s\n", uri, pngPath)
				return nil
			}

			qr, err := qrcode.New(uri, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("failed to encode QR code: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), qr.ToSmallString(false))
			fmt.Fprintln(cmd.OutOrStdout(), uri)
			return nil
		},
	}

	cmd.Flags().StringVarP(&pngPath, "output", "o", "", "write a PNG instead of printing to the terminal")
	cmd.Flags().IntVar(&size, "size", 256, "PNG size in pixels")
	return cmd
}

// canonicalURI decodes ref as an event or profile and re-encodes it as a NIP-21 URI
func canonicalURI(ref string) (string, error) {
	evt, evtErr := nips.DecodeEventRef(ref)
	if evtErr == nil {
		note, err := nips.EncodeEventID(evt.EventID)
		if err != nil {
			return "", err
		}
		return "nostr:" + note, nil
	}

	prof, profErr := nips.DecodeProfileRef(ref)
	if profErr == nil {
		npub, err := nips.EncodePubkey(prof.Pubkey)
		if err != nil {
			return "", err
		}
		return "nostr:" + npub, nil
	}
	return "", errors.Join(evtErr, profErr)
}
