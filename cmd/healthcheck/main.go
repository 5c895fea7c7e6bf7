// Command healthcheck probes the service's liveness endpoint. It is the
// container HEALTHCHECK binary: exit 0 when /healthz answers 200, exit 1
// otherwise. HEALTHCHECK_URL overrides the default local address.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	url := os.Getenv("HEALTHCHECK_URL")
	if url == "" {
		addr := os.Getenv("HTTP_ADDR")
		if addr == "" || addr[0] == ':' {
			addr = "localhost" + addr
		}
		if addr == "localhost" {
			addr = "localhost:8080"
		}
		url = "http://" + addr + "/healthz"
	}

	client := &http.Client{Timeout: 3 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
