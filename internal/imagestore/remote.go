package imagestore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pressline/mediastage/pkg/config"
	"github.com/rs/zerolog/log"
)

// RemoteStore implements ObjectStore against a hosted media API. Requests
// are authenticated with the api-key/timestamp/signature scheme: the
// signature is the SHA-1 of the sorted request parameters concatenated
// with the API secret.
type RemoteStore struct {
	endpoint  string
	cloudName string
	apiKey    string
	apiSecret string
	client    *http.Client
}

// NewRemoteStore creates a store client from configuration. The HTTP
// client timeout bounds every remote call so a hung store cannot stall
// request handlers or the sweeper.
func NewRemoteStore(cfg *config.StoreConfig) (*RemoteStore, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("remote store requires cloud name, api key and api secret")
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	log.Info().Str("endpoint", cfg.Endpoint).Str("cloud_name", cfg.CloudName).Msg("remote object store initialized")
	return &RemoteStore{
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		cloudName: cfg.CloudName,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// uploadResponse is the store's JSON reply for upload and rename calls
type uploadResponse struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id"`
}

// destroyResponse is the store's JSON reply for delete calls
type destroyResponse struct {
	Result string `json:"result"`
}

// Upload stores content under the given folder
func (rs *RemoteStore) Upload(ctx context.Context, content []byte, mimeType, folder string) (*StoredObject, error) {
	params := map[string]string{
		"folder":    folder,
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "upload")
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}

	for key, value := range rs.signedParams(params) {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("failed to build upload request: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rs.apiURL("image/upload"), &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp uploadResponse
	if err := rs.do(req, &resp); err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	log.Debug().
		Str("object_id", resp.PublicID).
		Str("folder", folder).
		Str("mime_type", mimeType).
		Int("size", len(content)).
		Msg("object uploaded")

	return &StoredObject{URL: resp.SecureURL, ObjectID: resp.PublicID}, nil
}

// Rename moves an object to a new object path
func (rs *RemoteStore) Rename(ctx context.Context, objectID, newObjectID string) (*StoredObject, error) {
	params := map[string]string{
		"from_public_id": objectID,
		"to_public_id":   newObjectID,
		"overwrite":      "true",
		"timestamp":      strconv.FormatInt(time.Now().Unix(), 10),
	}

	req, err := rs.formRequest(ctx, "image/rename", params)
	if err != nil {
		return nil, err
	}

	var resp uploadResponse
	if err := rs.do(req, &resp); err != nil {
		return nil, fmt.Errorf("rename failed: %w", err)
	}

	log.Debug().Str("object_id", objectID).Str("new_object_id", resp.PublicID).Msg("object renamed")
	return &StoredObject{URL: resp.SecureURL, ObjectID: resp.PublicID}, nil
}

// Delete removes an object; a missing object is treated as already deleted
func (rs *RemoteStore) Delete(ctx context.Context, objectID string) error {
	params := map[string]string{
		"public_id":  objectID,
		"invalidate": "true",
		"timestamp":  strconv.FormatInt(time.Now().Unix(), 10),
	}

	req, err := rs.formRequest(ctx, "image/destroy", params)
	if err != nil {
		return err
	}

	var resp destroyResponse
	if err := rs.do(req, &resp); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	if resp.Result != "ok" && resp.Result != "not found" {
		return fmt.Errorf("delete failed: unexpected result %q", resp.Result)
	}

	log.Debug().Str("object_id", objectID).Str("result", resp.Result).Msg("object delete completed")
	return nil
}

// formRequest builds a signed urlencoded POST for the given API operation
func (rs *RemoteStore) formRequest(ctx context.Context, operation string, params map[string]string) (*http.Request, error) {
	form := url.Values{}
	for key, value := range rs.signedParams(params) {
		form.Set(key, value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rs.apiURL(operation), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// signedParams returns params plus api_key and signature fields
func (rs *RemoteStore) signedParams(params map[string]string) map[string]string {
	signed := make(map[string]string, len(params)+2)
	for key, value := range params {
		signed[key] = value
	}
	signed["signature"] = rs.sign(params)
	signed["api_key"] = rs.apiKey
	return signed
}

// sign computes the SHA-1 signature over the sorted request parameters
func (rs *RemoteStore) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}

	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + rs.apiSecret))
	return hex.EncodeToString(sum[:])
}

func (rs *RemoteStore) apiURL(operation string) string {
	return fmt.Sprintf("%s/v1_1/%s/%s", rs.endpoint, rs.cloudName, operation)
}

// do executes the request and decodes the JSON response into out
func (rs *RemoteStore) do(req *http.Request, out interface{}) error {
	resp, err := rs.client.Do(req)
	if err != nil {
		return fmt.Errorf("store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("store returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode store response: %w", err)
	}
	return nil
}

var _ ObjectStore = (*RemoteStore)(nil)
