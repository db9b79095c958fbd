// Package adn talks to an App.net-style message service: paginated channel
// message lists, message create/delete, and file upload. It implements
// beast.ChannelClient and beast.FileUploader; it performs no retries and
// keeps no state.
package adn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rrbrambley/messagebeast/beast"
	"github.com/rrbrambley/messagebeast/beast/validator"
)

// Config configures a Client. BaseURL and Token are required.
type Config struct {
	BaseURL string `validate:"required,url"`
	Token   string `validate:"required"`

	// HTTPClient overrides the default http.Client.
	HTTPClient *http.Client `validate:"-"`
}

// Client is an HTTP client for the message service.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New returns a client for the service at cfg.BaseURL.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if errs := validator.New().ValidateStruct(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %v", errs)
	}
	httpCli := cfg.HTTPClient
	if httpCli == nil {
		httpCli = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    Config{BaseURL: strings.TrimRight(cfg.BaseURL, "/"), Token: cfg.Token},
		http:   httpCli,
		logger: logger,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*envelope, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	c.logger.Debug("Request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound || strings.Contains(env.Meta.ErrorMessage, "deleted") {
			return nil, fmt.Errorf("%s %s: %w", method, path, beast.ErrAlreadyGone)
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, env.Meta.ErrorMessage)
	}
	return &env, nil
}

// GetMessages fetches one page of a channel, newest first, narrowed by the
// cursor parameters in p.
func (c *Client) GetMessages(ctx context.Context, channelID string, p beast.FetchParams) (beast.RemoteBatch, error) {
	query := url.Values{"include_annotations": {"1"}}
	if p.SinceID != "" {
		query.Set("since_id", p.SinceID)
	}
	if p.BeforeID != "" {
		query.Set("before_id", p.BeforeID)
	}
	if p.Count > 0 {
		query.Set("count", strconv.Itoa(p.Count))
	}

	env, err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages", query, nil, "")
	if err != nil {
		return beast.RemoteBatch{}, err
	}

	var wire []wireMessage
	if err := json.Unmarshal(env.Data, &wire); err != nil {
		return beast.RemoteBatch{}, fmt.Errorf("decode messages: %w", err)
	}
	out := beast.RemoteBatch{
		Messages: make([]beast.Message, len(wire)),
		MinID:    env.Meta.MinID,
		MaxID:    env.Meta.MaxID,
		More:     env.Meta.More,
	}
	for i, w := range wire {
		out.Messages[i] = w.Beast()
	}
	return out, nil
}

// CreateMessage posts the draft to the channel and returns the confirmed
// message under its server-assigned ID.
func (c *Client) CreateMessage(ctx context.Context, channelID string, d beast.Draft) (beast.Message, error) {
	body, err := json.Marshal(wireDraft(d))
	if err != nil {
		return beast.Message{}, fmt.Errorf("encode draft: %w", err)
	}
	env, err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", nil, bytes.NewReader(body), "application/json")
	if err != nil {
		return beast.Message{}, err
	}
	var w wireMessage
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return beast.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.Beast(), nil
}

// DeleteMessage deletes a message. A response saying the message no longer
// exists comes back as beast.ErrAlreadyGone.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string, deleteFiles bool) error {
	query := url.Values{}
	if deleteFiles {
		query.Set("delete_associated_files", "1")
	}
	_, err := c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, query, nil, "")
	return err
}

// UploadFile uploads a local file and returns its server handle.
func (c *Client) UploadFile(ctx context.Context, f beast.PendingFile) (beast.FileHandle, error) {
	src, err := os.Open(f.Path)
	if err != nil {
		return beast.FileHandle{}, fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer src.Close()

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}
	part, err := w.CreateFormFile("content", name)
	if err != nil {
		return beast.FileHandle{}, fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return beast.FileHandle{}, fmt.Errorf("read %s: %w", f.Path, err)
	}
	if f.Kind != "" {
		_ = w.WriteField("kind", f.Kind)
	}
	if err := w.Close(); err != nil {
		return beast.FileHandle{}, fmt.Errorf("build form: %w", err)
	}

	env, err := c.do(ctx, http.MethodPost, "/files", nil, buf, w.FormDataContentType())
	if err != nil {
		return beast.FileHandle{}, err
	}
	var wf wireFile
	if err := json.Unmarshal(env.Data, &wf); err != nil {
		return beast.FileHandle{}, fmt.Errorf("decode file: %w", err)
	}
	return beast.FileHandle{ID: wf.ID, Token: wf.FileToken}, nil
}
