package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/studyplan/server/internal/models"
	"golang.org/x/oauth2"
)

// ErrUnauthorized is returned when the server rejects the credential. The
// driver stops syncing on it instead of retrying; a retry cannot succeed
// until the identity layer hands out a fresh token.
var ErrUnauthorized = errors.New("credential rejected")

// Transport speaks the replication protocol over HTTP. Tokens come from an
// oauth2.TokenSource so refresh happens inside the client transport.
type Transport struct {
	baseURL string
	http    *http.Client
}

// NewTransport creates a transport for the given server.
func NewTransport(baseURL string, tokens oauth2.TokenSource) *Transport {
	httpClient := &http.Client{Timeout: 60 * time.Second}
	if tokens != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, tokens)
	}
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Pull fetches documents after the checkpoint, at most batchSize.
func (t *Transport) Pull(ctx context.Context, collection string, cp models.Checkpoint, batchSize int) (*models.PullResponse, error) {
	q := url.Values{}
	if cp.ID != "" {
		q.Set("id", cp.ID)
		q.Set("serverTimestamp", cp.ServerTimestamp)
	}
	q.Set("batchSize", strconv.Itoa(batchSize))

	endpoint := fmt.Sprintf("%s/%s/pull?%s", t.baseURL, collection, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var pull models.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pull); err != nil {
		return nil, fmt.Errorf("pull %s: bad response: %w", collection, err)
	}
	return &pull, nil
}

// Push sends proposed document states and returns the server documents that
// won conflicts. An empty slice means every row was accepted.
func (t *Transport) Push(ctx context.Context, collection string, rows []models.ChangeRow) ([]models.ReplicatedDocument, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/%s/push", t.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var conflicts []models.ReplicatedDocument
	if err := json.NewDecoder(resp.Body).Decode(&conflicts); err != nil {
		return nil, fmt.Errorf("push %s: bad response: %w", collection, err)
	}
	return conflicts, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
}
