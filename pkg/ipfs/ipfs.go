// Package ipfs pins task result payloads through the Pinata API and fetches
// them back through a public gateway. Pinning is best-effort archival: a
// worker that cannot reach Pinata still submits its result on-chain.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

const pinEndpoint = "https://api.pinata.cloud/pinning/pinJSONToIPFS"

// Config holds Pinata credentials and the fetch gateway host.
type Config struct {
	APIKey      string
	SecretKey   string
	GatewayHost string
	Timeout     time.Duration
}

// Client pins and fetches JSON documents.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("missing Pinata credentials")
	}
	if cfg.GatewayHost == "" {
		cfg.GatewayHost = "gateway.pinata.cloud"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// NewGatewayClient builds a fetch-only client with no Pinata credentials.
func NewGatewayClient(gatewayHost string) *Client {
	if gatewayHost == "" {
		gatewayHost = "gateway.pinata.cloud"
	}
	return &Client{
		cfg:  Config{GatewayHost: gatewayHost, Timeout: 30 * time.Second},
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// PinJSON pins the given document under name and returns its CID.
func (c *Client) PinJSON(ctx context.Context, name string, document any) (string, error) {
	if c.cfg.APIKey == "" || c.cfg.SecretKey == "" {
		return "", errors.New("client has no Pinata credentials")
	}
	content, err := json.Marshal(document)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"pinataMetadata": map[string]interface{}{
			"name": name,
		},
		"pinataContent": json.RawMessage(content),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal pin request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pinEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("pinata_api_key", c.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", c.cfg.SecretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to pin to IPFS: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to pin to IPFS: status code %d", resp.StatusCode)
	}

	var result struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode pin response: %w", err)
	}
	return result.IpfsHash, nil
}

// Fetch retrieves the raw content behind cid through the gateway.
func (c *Client) Fetch(ctx context.Context, cid string) ([]byte, error) {
	host := c.cfg.GatewayHost
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	url := host + "/ipfs/" + cid
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch IPFS content: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch IPFS content: status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// FetchJSON retrieves and unmarshals the content behind cid into out.
func (c *Client) FetchJSON(ctx context.Context, cid string, out any) error {
	body, err := c.Fetch(ctx, cid)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal IPFS content: %w", err)
	}
	return nil
}

// FetchJSONByDigest resolves a bytes32 sha2-256 digest (the form contracts
// store) to its CIDv0 and fetches the document behind it.
func (c *Client) FetchJSONByDigest(ctx context.Context, digest [32]byte, out any) error {
	return c.FetchJSON(ctx, CIDFromDigest(digest), out)
}

// CIDFromDigest renders a sha2-256 digest as a CIDv0: base58 over the
// 0x12 0x20 multihash prefix plus the 32 digest bytes.
func CIDFromDigest(digest [32]byte) string {
	return base58Encode(append([]byte{0x12, 0x20}, digest[:]...))
}

// DigestFromCID is the inverse of CIDFromDigest: it recovers the bytes32
// digest a contract can store from a CIDv0 string.
func DigestFromCID(cid string) ([32]byte, error) {
	var digest [32]byte
	raw, err := base58Decode(cid)
	if err != nil {
		return digest, err
	}
	if len(raw) != 34 || raw[0] != 0x12 || raw[1] != 0x20 {
		return digest, fmt.Errorf("not a sha2-256 CIDv0: %s", cid)
	}
	copy(digest[:], raw[2:])
	return digest, nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(input []byte) string {
	value := new(big.Int).SetBytes(input)
	radix := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for value.Sign() > 0 {
		value.DivMod(value, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	value := new(big.Int)
	radix := big.NewInt(58)
	for _, r := range s {
		idx := bytes.IndexByte([]byte(base58Alphabet), byte(r))
		if idx < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", r)
		}
		value.Mul(value, radix)
		value.Add(value, big.NewInt(int64(idx)))
	}

	decoded := value.Bytes()
	for i := 0; i < len(s) && s[i] == base58Alphabet[0]; i++ {
		decoded = append([]byte{0}, decoded...)
	}
	return decoded, nil
}
