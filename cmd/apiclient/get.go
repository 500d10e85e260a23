package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/resilient-api-client/pkg/client"
	"github.com/Sternrassler/resilient-api-client/pkg/pagination"
)

func newGetCommand(c *cli) *cobra.Command {
	var (
		opts    pagination.Options
		filters []string
		mock    string
		public  bool
	)

	cmd := &cobra.Command{
		Use:   "get <endpoint>",
		Short: "Fetch an endpoint through the pipeline and print the body",
		Example: `  apiclient get /users --page 2 --size 50 --sort -createdAt --filter role=admin
  apiclient get /status --public --mock '{"status":"unknown"}'`,
		Args: cobra.ExactArgs(1),
		RunE: c.withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			filter, err := parseFilters(filters)
			if err != nil {
				return err
			}
			opts.Filter = filter

			req := client.Request{
				Method:   http.MethodGet,
				Endpoint: args[0],
				Query:    opts.Values(),
				Public:   public,
			}
			if mock != "" {
				if !json.Valid([]byte(mock)) {
					return fmt.Errorf("--mock must be valid JSON")
				}
				req.Mock = json.RawMessage(mock)
			}

			resp, err := a.client.Execute(ctx, req)
			if err != nil {
				return err
			}
			if resp.Degraded {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: service unavailable, showing mock response")
			}
			_, err = cmd.OutOrStdout().Write(prettyJSON(resp.Body))
			return err
		}),
	}

	cmd.Flags().IntVar(&opts.Page, "page", 0, "Page number (1-based)")
	cmd.Flags().IntVar(&opts.PageSize, "size", 0, "Page size")
	cmd.Flags().StringSliceVar(&opts.Sort, "sort", nil, "Sort keys in priority order; prefix with - for descending")
	cmd.Flags().StringVar(&opts.Search, "search", "", "Free-text search")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Filter as key=value (repeatable)")
	cmd.Flags().StringVar(&mock, "mock", "", "JSON returned when the call fails and mock fallback is enabled")
	cmd.Flags().BoolVar(&public, "public", false, "Send without credentials")
	return cmd
}

// parseFilters turns key=value pairs into a filter map. Repeated keys
// collect into a slice.
func parseFilters(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q (want key=value)", pair)
		}
		switch existing := out[key].(type) {
		case nil:
			out[key] = value
		case string:
			out[key] = []string{existing, value}
		case []string:
			out[key] = append(existing, value)
		}
	}
	return out, nil
}

// prettyJSON indents JSON bodies and passes anything else through.
func prettyJSON(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return body
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
