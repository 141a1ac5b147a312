// Package indexer queries an Alchemy-compatible NFT API for the tokens an
// owner holds in a collection.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/pkg/types"
)

var (
	// ErrDisabled is returned when no API key or base URL is configured.
	ErrDisabled = errors.New("indexer disabled")
	// ErrBadResponse is returned for bodies that do not parse.
	ErrBadResponse = errors.New("indexer returned an unparseable response")
)

// Config holds indexer client settings
type Config struct {
	BaseURL      string
	APIKey       string
	RateLimitRPS float64
	PageSize     int
	// MaxPages bounds pagination for wallets with huge collections.
	MaxPages int
	Timeout  time.Duration
}

// Token is one owned NFT as reported by the indexer.
type Token struct {
	TokenID  *big.Int
	Metadata *types.NFTMetadata
}

// Client is the NFT API client. A zero-key client is valid and reports
// ErrDisabled.
type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *rate.Limiter
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}

	c := &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
	c.http = resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "stakedash").
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(onRetryCondition).
		OnBeforeRequest(c.onRateLimit).
		OnAfterResponse(onStatusToError)
	return c
}

// Enabled reports whether queries will be attempted.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.APIKey != "" && c.cfg.BaseURL != ""
}

// Waits for the limiter before every attempt, retries included.
func (c *Client) onRateLimit(_ *resty.Client, req *resty.Request) error {
	return c.limiter.Wait(req.Context())
}

// Retry request only upon server errors and throttling
func onRetryCondition(resp *resty.Response, err error) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests
}

// Converts HTTP status to errors
func onStatusToError(_ *resty.Client, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return fmt.Errorf("unexpected status: %s", resp.Status())
}

// ownedNFTsPage covers both the v2 and v3 getNFTsForOwner shapes.
type ownedNFTsPage struct {
	OwnedNFTs []ownedNFT `json:"ownedNfts"`
	PageKey   string     `json:"pageKey"`
}

type ownedNFT struct {
	Contract struct {
		Address string `json:"address"`
	} `json:"contract"`
	// v2
	ID *struct {
		TokenID string `json:"tokenId"`
	} `json:"id"`
	Title string `json:"title"`
	Media []struct {
		Gateway string `json:"gateway"`
	} `json:"media"`
	// v3
	TokenID string `json:"tokenId"`
	Name    string `json:"name"`
	Image   *struct {
		CachedURL string `json:"cachedUrl"`
	} `json:"image"`

	Metadata json.RawMessage `json:"metadata"`
}

func (n ownedNFT) rawTokenID() string {
	if n.ID != nil && n.ID.TokenID != "" {
		return n.ID.TokenID
	}
	return n.TokenID
}

func (n ownedNFT) metadata() *types.NFTMetadata {
	md := &types.NFTMetadata{Name: n.Name, Raw: n.Metadata}
	if md.Name == "" {
		md.Name = n.Title
	}
	switch {
	case n.Image != nil && n.Image.CachedURL != "":
		md.Image = n.Image.CachedURL
	case len(n.Media) > 0:
		md.Image = n.Media[0].Gateway
	}
	if (md.Name == "" || md.Image == "") && len(n.Metadata) > 0 {
		var inner struct {
			Name  string `json:"name"`
			Image string `json:"image"`
		}
		if json.Unmarshal(n.Metadata, &inner) == nil {
			if md.Name == "" {
				md.Name = inner.Name
			}
			if md.Image == "" {
				md.Image = inner.Image
			}
		}
	}
	return md
}

// NFTsForOwner returns every token owner holds in collection, following
// pagination. Entries from other contracts and unparseable ids are skipped.
func (c *Client) NFTsForOwner(ctx context.Context, owner, collection common.Address) ([]Token, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	var (
		tokens  []Token
		pageKey string
	)
	for page := 0; page < c.cfg.MaxPages; page++ {
		req := c.http.R().
			SetContext(ctx).
			ForceContentType("application/json").
			SetResult(&ownedNFTsPage{}).
			SetPathParam("apiKey", c.cfg.APIKey).
			SetQueryParam("owner", owner.Hex()).
			SetQueryParam("contractAddresses[]", collection.Hex()).
			SetQueryParam("withMetadata", "true").
			SetQueryParam("pageSize", strconv.Itoa(c.cfg.PageSize))
		if pageKey != "" {
			req.SetQueryParam("pageKey", pageKey)
		}

		resp, err := req.Get("/{apiKey}/getNFTsForOwner")
		if err != nil {
			// resty errors carry the request URL, which embeds the key.
			return nil, fmt.Errorf("getNFTsForOwner: %s", logging.RedactURL(err.Error()))
		}
		result, ok := resp.Result().(*ownedNFTsPage)
		if !ok || result == nil {
			return nil, ErrBadResponse
		}

		for _, n := range result.OwnedNFTs {
			if n.Contract.Address != "" && !strings.EqualFold(n.Contract.Address, collection.Hex()) {
				continue
			}
			id, err := ParseTokenID(n.rawTokenID())
			if err != nil {
				logging.Debug("skipping indexer entry",
					logging.Component("indexer"), "token_id", n.rawTokenID(), logging.Err(err))
				continue
			}
			tokens = append(tokens, Token{TokenID: id, Metadata: n.metadata()})
		}

		if result.PageKey == "" {
			return tokens, nil
		}
		pageKey = result.PageKey
	}

	logging.Warn("indexer pagination truncated",
		logging.Component("indexer"), logging.Address(owner.Hex()), "pages", c.cfg.MaxPages)
	return tokens, nil
}

// ParseTokenID accepts 0x-prefixed hex or decimal ids.
func ParseTokenID(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty token id")
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
		if s == "" {
			return nil, errors.New("empty hex token id")
		}
	}
	id, ok := new(big.Int).SetString(s, base)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}
