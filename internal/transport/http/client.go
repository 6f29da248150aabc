package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/lmoretti/maintenance-trigger-agent/internal/transport/dto"
)

// HTTPReporter implements the ReportSink interface against the admin
// service's REST API.
type HTTPReporter struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int
}

// NewHTTPReporter creates a new HTTP-based report sink with mTLS
func NewHTTPReporter(adminURL, certPath string) (*HTTPReporter, error) {
	// Load client certificate (tls.crt, tls.key)
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(certPath, "tls.crt"),
		filepath.Join(certPath, "tls.key"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	// Load CA certificate for server verification
	caCert, err := os.ReadFile(filepath.Join(certPath, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}

	// HTTP client with connection pooling
	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPReporter{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		baseURL:    adminURL,
		maxRetries: 3,
	}, nil
}

// ReportRun ships one finished-run summary to the admin service
func (c *HTTPReporter) ReportRun(ctx context.Context, report *dto.RunReportDTO) error {
	logger := log.FromContext(ctx).WithName("http-reporter")

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	postURL := fmt.Sprintf("%s/api/v1/maintenance-runs", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", postURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to ship run report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	logger.Info("Run report shipped",
		"trigger", report.Trigger,
		"run", report.RunName,
		"outcome", report.Outcome)

	return nil
}

// Ping checks connectivity to the admin service
func (c *HTTPReporter) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/healthz", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin service returned status %d", resp.StatusCode)
	}

	return nil
}

// Close cleans up resources
func (c *HTTPReporter) Close() error {
	// Close idle connections
	c.httpClient.CloseIdleConnections()
	return nil
}

// doWithRetry executes HTTP request with exponential backoff retry logic
func (c *HTTPReporter) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := 1 * time.Second
	maxBackoff := 16 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		// Clone request for retry (body can only be read once)
		reqClone := req.Clone(ctx)

		resp, err := c.httpClient.Do(reqClone)

		// Success or non-retryable error
		if err == nil {
			// Retry on 5xx errors (server errors)
			if resp.StatusCode < 500 {
				return resp, nil
			}
			resp.Body.Close() // Close before retry
		}

		// Don't retry on last attempt
		if attempt == c.maxRetries {
			if err != nil {
				return nil, fmt.Errorf("max retries exceeded: %w", err)
			}
			return resp, nil // Return the 5xx response
		}

		// Wait before retry with exponential backoff
		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("max retries exceeded")
}
