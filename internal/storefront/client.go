// Package storefront links parts to warehouse reference entries and keeps a
// snapshot of the matching storefront product.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	conf "github.com/bartek5186/partsync/internal/config"
)

const productFields = `id handle title vendor productType status
  featuredImage { url altText }
  images(first: 10) { nodes { url altText } }
  variants(first: 10) { nodes { id title sku price compareAtPrice availableForSale inventoryQuantity selectedOptions { value } } }`

const (
	productQuery  = `query Product($id: ID!) { product(id: $id) { ` + productFields + ` } }`
	productsQuery = `query Products($ids: [ID!]!) { nodes(ids: $ids) { ... on Product { ` + productFields + ` } } }`
)

// Product is the storefront view of one product. Every field may be absent.
type Product struct {
	ID            string     `json:"id"`
	Handle        *string    `json:"handle"`
	Title         *string    `json:"title"`
	Vendor        *string    `json:"vendor"`
	ProductType   *string    `json:"productType"`
	Status        *string    `json:"status"`
	FeaturedImage *imageNode `json:"featuredImage"`
	Images        *struct {
		Nodes []imageNode `json:"nodes"`
	} `json:"images"`
	Variants *struct {
		Nodes []variantNode `json:"nodes"`
	} `json:"variants"`
}

type imageNode struct {
	URL     *string `json:"url"`
	AltText *string `json:"altText"`
}

type variantNode struct {
	ID                string  `json:"id"`
	Title             *string `json:"title"`
	SKU               *string `json:"sku"`
	Price             *string `json:"price"`
	CompareAtPrice    *string `json:"compareAtPrice"`
	AvailableForSale  *bool   `json:"availableForSale"`
	InventoryQuantity *int    `json:"inventoryQuantity"`
	SelectedOptions   []struct {
		Value string `json:"value"`
	} `json:"selectedOptions"`
}

type gqlError struct {
	Message string `json:"message"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// Client talks to the storefront admin GraphQL endpoint.
type Client struct {
	log      zerolog.Logger
	http     *http.Client
	limiter  *rate.Limiter
	endpoint string
	token    string
	batch    int
}

func NewClient(log zerolog.Logger, cfg conf.StorefrontConfig, hc *http.Client) *Client {
	if hc == nil {
		timeout := time.Duration(cfg.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.myshopify.com/admin/api/%s/graphql.json", cfg.Shop, cfg.APIVersion)
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	return &Client{
		log:      log.With().Str("component", "storefront-client").Logger(),
		http:     hc,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		endpoint: endpoint,
		token:    cfg.AccessToken,
		batch:    batch,
	}
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "partsync/1.0")
	req.Header.Set("X-Shopify-Access-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("storefront request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("storefront: http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode storefront response: %w", err)
	}
	if len(env.Errors) > 0 {
		return fmt.Errorf("storefront: %s", env.Errors[0].Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// FetchProduct returns nil, nil when the product does not exist.
func (c *Client) FetchProduct(ctx context.Context, id string) (*Product, error) {
	var data struct {
		Product *Product `json:"product"`
	}
	if err := c.do(ctx, productQuery, map[string]any{"id": ProductGID(id)}, &data); err != nil {
		return nil, err
	}
	return data.Product, nil
}

// FetchProducts fetches ids in sub-batches. A failed sub-batch is logged and
// its products are simply missing from the result.
func (c *Client) FetchProducts(ctx context.Context, ids []string) map[string]*Product {
	out := make(map[string]*Product, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for start := 0; start < len(ids); start += c.batch {
		end := min(start+c.batch, len(ids))
		gids := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			gids = append(gids, ProductGID(id))
		}
		g.Go(func() error {
			var data struct {
				Nodes []*Product `json:"nodes"`
			}
			if err := c.do(gctx, productsQuery, map[string]any{"ids": gids}, &data); err != nil {
				c.log.Warn().Err(err).Int("batch", len(gids)).Msg("product batch failed")
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, p := range data.Nodes {
				if p != nil && p.ID != "" {
					out[p.ID] = p
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

const gidPrefix = "gid://shopify/Product/"

// ProductGID accepts a numeric id or a full gid and returns the gid form.
func ProductGID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "gid://") {
		return id
	}
	return gidPrefix + id
}

// NumericID strips the gid prefix.
func NumericID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}
