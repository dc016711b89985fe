package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/pipeline"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <image>",
	Short: "Verify one payment screenshot and print the outcome",
	Long:  "Runs the full verification pipeline on a local screenshot. An issued token is committed to the store exactly as through the server.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		img, err := readImageFile(args[0])
		if err != nil {
			return err
		}
		sender, _ := cmd.Flags().GetString("sender")

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res := env.Coordinator.Verify(ctx, pipeline.Request{Image: img, Sender: sender})

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

// readImageFile loads a screenshot and sniffs its MIME type.
func readImageFile(path string) (model.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Image{}, eris.Wrapf(err, "read image %s", path)
	}
	if len(data) == 0 {
		return model.Image{}, eris.Errorf("image %s is empty", path)
	}
	mt := http.DetectContentType(data)
	if !strings.HasPrefix(mt, "image/") {
		return model.Image{}, eris.Errorf("image %s: unsupported type %s", path, mt)
	}
	return model.Image{Data: data, MIMEType: mt}, nil
}

func init() {
	verifyCmd.Flags().String("sender", "cli", "issuer identity recorded with the transaction")
	rootCmd.AddCommand(verifyCmd)
}
