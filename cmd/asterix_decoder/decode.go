package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
	"asterix_decoder/internal/pipeline"
	"asterix_decoder/internal/registry"
)

var (
	decodeCmd = &cobra.Command{
		Use:   "decode [hex]",
		Short: "Decode one message",
		Long: "decode decodes a single ASTERIX data block given as hex. Without an argument\n" +
			"the message is read from stdin as hex, JSON {\"hex\": ...} or raw binary. Use\n" +
			"--encoding binary for raw input that may look like hex text or JSON.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 1 {
				data = []byte(args[0])
			} else {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				data = b
			}
			return runDecode(cmd.OutOrStdout(), data, feed.Encoding(decodeEncoding), decodePretty)
		},
	}

	decodePretty   bool
	decodeEncoding string
)

func init() {
	decodeCmd.Flags().BoolVar(&decodePretty, "pretty", false, "pretty-print JSON output")
	decodeCmd.Flags().StringVar(&decodeEncoding, "encoding", "auto", "input encoding: auto, binary, hex or json")
}

// runDecode prints the decoded message and returns the decode error, if any,
// after the partial output has been written.
func runDecode(w io.Writer, data []byte, enc feed.Encoding, pretty bool) error {
	enc, err := feed.ParseEncoding(string(enc))
	if err != nil {
		return err
	}
	f, err := feed.DecodePayload("cli", data, enc)
	if err != nil {
		return err
	}

	msg, decErr := asterix.NewDecoder(registry.Default()).Decode(f.Data)
	res := pipeline.Result{Frame: f, Message: msg, Err: decErr}

	out, err := marshalJSON(res.Decoded(), pretty)
	if err != nil {
		return fmt.Errorf("JSON encode: %w", err)
	}
	if _, err := fmt.Fprintln(w, string(out)); err != nil {
		return err
	}
	return decErr
}
