package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// NewSubmitCommand creates "submit", which sends a pipeline to a server.
func NewSubmitCommand(_ *RootOptions) *cobra.Command {
	var (
		serverURL string
		jobs      []string
	)

	cmd := &cobra.Command{
		Use:   "submit <pipeline>",
		Short: "Submit a pipeline to a matrixci server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot read pipeline", err)
			}

			q := url.Values{}
			for _, j := range jobs {
				q.Add("job", j)
			}
			contentType := "application/x-yaml"
			if strings.EqualFold(filepath.Ext(args[0]), ".hcl") {
				q.Set("format", "hcl")
				contentType = "application/hcl"
			}
			target := strings.TrimRight(serverURL, "/") + "/pipelines"
			if len(q) > 0 {
				target += "?" + q.Encode()
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, target, bytes.NewReader(data))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", contentType)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot reach server", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusAccepted {
				return NewExitError(ExitCommandError, fmt.Sprintf("server rejected pipeline: %s: %s", resp.Status, strings.TrimSpace(string(body))))
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "matrixci server URL")
	cmd.Flags().StringArrayVar(&jobs, "job", nil, "Only run jobs matching dimension=value (repeatable)")
	return cmd
}
