package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/resilient-api-client/pkg/client"
	"github.com/Sternrassler/resilient-api-client/pkg/metrics"
)

// Proxy headers.
const (
	// HeaderMock carries a JSON mock answer for a forwarded call.
	HeaderMock = "X-Mock-Response"
	// HeaderDegraded marks a response answered by the mock fallback.
	HeaderDegraded = "X-Degraded"
)

// maxProxyBody bounds forwarded request bodies.
const maxProxyBody = 10 << 20

func newProxyCommand(c *cli) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Serve a local HTTP proxy that forwards /api/* through the pipeline",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			addr := a.cfg.ListenAddr
			if cmd.Flags().Changed("listen") {
				addr = listen
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := &http.Server{
				Addr:              addr,
				Handler:           newProxyRouter(a.client, a.logger),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serve(ctx, server, a.logger)
		}),
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "HTTP listen address")
	return cmd
}

// serve runs server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Starting proxy server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("proxy server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info().Msg("Shutting down proxy server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newProxyRouter(c *client.Client, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/api/*", forwardHandler(c, logger))

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// forwardHandler replays /api/<endpoint> against the remote service. The
// caller's Authorization header is never forwarded; the stored session is
// used instead.
func forwardHandler(c *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := "/" + chi.URLParam(r, "*")

		req := client.Request{
			Method:   r.Method,
			Endpoint: endpoint,
			Query:    r.URL.Query(),
		}

		if r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "read request body", "")
				return
			}
			if len(body) > 0 {
				req.Body = json.RawMessage(body)
			}
		}
		if mock := r.Header.Get(HeaderMock); mock != "" {
			if !json.Valid([]byte(mock)) {
				writeError(w, http.StatusBadRequest, HeaderMock+" must be valid JSON", "")
				return
			}
			req.Mock = json.RawMessage(mock)
		}

		resp, err := c.Execute(r.Context(), req)
		if err != nil {
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) {
				writeError(w, http.StatusBadGateway, err.Error(), "")
				return
			}
			logger.Debug().
				Str("endpoint", endpoint).
				Str("method", r.Method).
				Str("error_kind", string(apiErr.Kind)).
				Msg("Forwarded request failed")
			writeError(w, proxyStatus(apiErr), apiErr.Message, apiErr.Kind)
			return
		}

		for _, key := range []string{"Content-Type", client.HeaderTotalPages} {
			if v := resp.Header.Get(key); v != "" {
				w.Header().Set(key, v)
			}
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.Header().Set(client.HeaderRequestID, resp.RequestID)
		if resp.Degraded {
			w.Header().Set(HeaderDegraded, strconv.FormatBool(true))
		}

		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(resp.Body)
	}
}

// proxyStatus maps a failure to the status the proxy answers with.
func proxyStatus(apiErr *client.APIError) int {
	switch apiErr.Kind {
	case client.KindAuthenticationRequired, client.KindAuthenticationExpired:
		return http.StatusUnauthorized
	case client.KindClient:
		if apiErr.StatusCode > 0 {
			return apiErr.StatusCode
		}
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, status int, message string, kind client.ErrorKind) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"kind":  string(kind),
	})
}
