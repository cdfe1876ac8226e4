package mailapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// TokenProvider supplies the bearer token for authenticated calls. The token
// guard implements it.
type TokenProvider interface {
	AccessToken() string
}

// GraphClient talks to a Microsoft-Graph-style REST API.
type GraphClient struct {
	baseURL  string
	loginURL string
	tenantID string
	clientID string
	secret   string
	sender   string
	tokens   TokenProvider
	client   *http.Client
	logger   *zap.Logger
}

// GraphConfig carries the endpoint and app registration settings.
type GraphConfig struct {
	BaseURL      string
	LoginURL     string
	TenantID     string
	ClientID     string
	ClientSecret string
	SenderEmail  string
}

func NewGraphClient(cfg GraphConfig, tokens TokenProvider, logger *zap.Logger) *GraphClient {
	return &GraphClient{
		baseURL:  cfg.BaseURL,
		loginURL: cfg.LoginURL,
		tenantID: cfg.TenantID,
		clientID: cfg.ClientID,
		secret:   cfg.ClientSecret,
		sender:   cfg.SenderEmail,
		tokens:   tokens,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ToRecipients []graphRecipient `json:"toRecipients"`
	Categories   []string         `json:"categories,omitempty"`
}

type batchRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

type batchResponse struct {
	Responses []struct {
		ID     string          `json:"id"`
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body"`
	} `json:"responses"`
}

func toGraphMessage(req DraftRequest) graphMessage {
	var m graphMessage
	m.Subject = req.Subject
	m.Body.ContentType = "Text"
	m.Body.Content = req.Body
	for _, addr := range req.Recipients {
		var r graphRecipient
		r.EmailAddress.Address = addr
		m.ToRecipients = append(m.ToRecipients, r)
	}
	return m
}

// CreateDraftsBatch submits one $batch call creating up to MaxBatchSize
// drafts and maps each sub-response back to its request ordinal.
func (c *GraphClient) CreateDraftsBatch(ctx context.Context, requests []DraftRequest) ([]DraftResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if len(requests) > MaxBatchSize {
		return nil, NewError(KindPermanent, fmt.Sprintf("batch of %d exceeds limit %d", len(requests), MaxBatchSize))
	}

	payload := struct {
		Requests []batchRequest `json:"requests"`
	}{}
	for i, req := range requests {
		payload.Requests = append(payload.Requests, batchRequest{
			ID:      strconv.Itoa(i + 1),
			Method:  http.MethodPost,
			URL:     fmt.Sprintf("/users/%s/messages", c.sender),
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    toGraphMessage(req),
		})
	}

	var parsed batchResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/$batch", payload, &parsed); err != nil {
		return nil, err
	}

	results := make([]DraftResult, len(requests))
	for i := range results {
		results[i].Err = NewError(KindPermanent, "no response for batch item")
	}
	for _, sub := range parsed.Responses {
		ord, err := strconv.Atoi(sub.ID)
		if err != nil || ord < 1 || ord > len(requests) {
			c.logger.Warn("batch response with unknown id", zap.String("id", sub.ID))
			continue
		}
		idx := ord - 1
		if sub.Status >= 200 && sub.Status < 300 {
			var body struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(sub.Body, &body); err != nil {
				results[idx] = DraftResult{Err: NewError(KindPermanent, "malformed batch item body")}
				continue
			}
			results[idx] = DraftResult{ID: body.ID}
			continue
		}
		results[idx] = DraftResult{Err: FromStatus(sub.Status, graphErrorMessage(sub.Body), 0)}
	}
	return results, nil
}

func (c *GraphClient) CreateUploadSession(ctx context.Context, messageID, fileName string, fileSize int64) (string, error) {
	payload := map[string]any{
		"AttachmentItem": map[string]any{
			"attachmentType": "file",
			"name":           fileName,
			"size":           fileSize,
		},
	}
	var parsed struct {
		UploadURL string `json:"uploadUrl"`
	}
	endpoint := fmt.Sprintf("%s/users/%s/messages/%s/attachments/createUploadSession", c.baseURL, c.sender, url.PathEscape(messageID))
	if err := c.doJSON(ctx, http.MethodPost, endpoint, payload, &parsed); err != nil {
		return "", err
	}
	if parsed.UploadURL == "" {
		return "", NewError(KindPermanent, "upload session response missing uploadUrl")
	}
	return parsed.UploadURL, nil
}

// UploadChunk sends one byte range to an upload URL. Upload URLs are
// pre-authenticated, so no bearer token is attached.
func (c *GraphClient) UploadChunk(ctx context.Context, uploadURL string, chunk []byte, rangeStart, rangeEnd, totalSize int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return fmt.Errorf("build chunk request: %w", err)
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(chunk)))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rangeStart, rangeEnd, totalSize))

	resp, err := c.client.Do(req)
	if err != nil {
		return NewError(ClassifyErr(err), err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return c.statusError(resp)
}

func (c *GraphClient) ListChildFolders(ctx context.Context, parentFolderID string) ([]Folder, error) {
	var parsed struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	endpoint := fmt.Sprintf("%s/users/%s/mailFolders/%s/childFolders", c.baseURL, c.sender, url.PathEscape(parentFolderID))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &parsed); err != nil {
		return nil, err
	}
	folders := make([]Folder, 0, len(parsed.Value))
	for _, f := range parsed.Value {
		folders = append(folders, Folder{ID: f.ID, DisplayName: f.DisplayName})
	}
	return folders, nil
}

func (c *GraphClient) CreateChildFolder(ctx context.Context, parentFolderID, displayName string) (string, error) {
	var parsed struct {
		ID string `json:"id"`
	}
	endpoint := fmt.Sprintf("%s/users/%s/mailFolders/%s/childFolders", c.baseURL, c.sender, url.PathEscape(parentFolderID))
	if err := c.doJSON(ctx, http.MethodPost, endpoint, map[string]string{"displayName": displayName}, &parsed); err != nil {
		return "", err
	}
	return parsed.ID, nil
}

func (c *GraphClient) PatchCategories(ctx context.Context, messageID string, categories []string) error {
	endpoint := fmt.Sprintf("%s/users/%s/messages/%s", c.baseURL, c.sender, url.PathEscape(messageID))
	return c.doJSON(ctx, http.MethodPatch, endpoint, map[string][]string{"categories": categories}, nil)
}

func (c *GraphClient) MoveMessage(ctx context.Context, messageID, destinationFolderID string) error {
	endpoint := fmt.Sprintf("%s/users/%s/messages/%s/move", c.baseURL, c.sender, url.PathEscape(messageID))
	return c.doJSON(ctx, http.MethodPost, endpoint, map[string]string{"destinationId": destinationFolderID}, nil)
}

// RefreshCredential exchanges a refresh token at the identity endpoint. Not
// bearer-authenticated.
func (c *GraphClient) RefreshCredential(ctx context.Context, refreshToken string) (*Credential, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.secret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", "https://graph.microsoft.com/.default offline_access")

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginURL, c.tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewError(ClassifyErr(err), err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{Kind: KindAuth, StatusCode: resp.StatusCode, Message: string(body)}
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, NewError(KindAuth, fmt.Sprintf("decode token response: %v", err))
	}
	return &Credential{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}

func (c *GraphClient) doJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.AccessToken())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return NewError(ClassifyErr(err), err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(KindPermanent, fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

func (c *GraphClient) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	return FromStatus(resp.StatusCode, graphErrorMessage(body), retryAfter)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// graphErrorMessage pulls the message out of a Graph error body, falling
// back to the raw body.
func graphErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}
