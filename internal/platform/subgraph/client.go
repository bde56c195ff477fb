// Package subgraph queries a lending-protocol subgraph for obligor events.
// Entities follow the Messari lending schema (borrows, deposits, repays,
// withdraws, liquidates).
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// Client is a GraphQL client for one protocol's subgraph.
type Client struct {
	graphqlURL string
	apiKey     string
	protocol   string
	pageSize   int
	httpClient *http.Client
}

// NewClient creates a Client. protocol is stamped on every returned event.
func NewClient(graphqlURL, apiKey, protocol string, pageSize int) *Client {
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 1000
	}
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		protocol:   protocol,
		pageSize:   pageSize,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// entity describes one event collection and the field naming the obligor.
type entity struct {
	collection string
	accountKey string
	typ        domain.EventType
}

var entities = []entity{
	{"borrows", "account", domain.EventBorrow},
	{"deposits", "account", domain.EventDeposit},
	{"repays", "account", domain.EventRepay},
	{"withdraws", "account", domain.EventWithdraw},
	// A liquidation is recorded against the liquidatee; asset is the
	// seized collateral.
	{"liquidates", "liquidatee", domain.EventLiquidation},
}

func (e entity) query() string {
	return fmt.Sprintf(`
		query Events($account: String!, $since: BigInt!, $first: Int!, $skip: Int!) {
			%s(
				first: $first
				skip: $skip
				orderBy: timestamp
				orderDirection: asc
				where: { %s: $account, timestamp_gt: $since }
			) {
				id
				hash
				logIndex
				timestamp
				amount
				asset { symbol decimals }
			}
		}
	`, e.collection, e.accountKey)
}

type rawEvent struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	LogIndex  int64  `json:"logIndex"`
	Timestamp string `json:"timestamp"`
	Amount    string `json:"amount"`
	Asset     struct {
		Symbol   string `json:"symbol"`
		Decimals int32  `json:"decimals"`
	} `json:"asset"`
}

// FetchEvents returns every event for account with a timestamp after since,
// across all collections. The result is not sorted.
func (c *Client) FetchEvents(ctx context.Context, account string, since int64) ([]domain.LendingEvent, error) {
	var out []domain.LendingEvent
	for _, e := range entities {
		evs, err := c.fetchEntity(ctx, e, account, since)
		if err != nil {
			return nil, fmt.Errorf("subgraph: fetch %s for %s: %w", e.collection, account, err)
		}
		out = append(out, evs...)
	}
	return out, nil
}

func (c *Client) fetchEntity(ctx context.Context, e entity, account string, since int64) ([]domain.LendingEvent, error) {
	var out []domain.LendingEvent
	for skip := 0; ; skip += c.pageSize {
		data, err := c.doQuery(ctx, e.query(), map[string]any{
			"account": strings.ToLower(account),
			"since":   strconv.FormatInt(since, 10),
			"first":   c.pageSize,
			"skip":    skip,
		})
		if err != nil {
			return nil, err
		}

		var page map[string][]rawEvent
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.collection, err)
		}
		rows := page[e.collection]
		for _, r := range rows {
			ev, err := c.toDomain(r, e.typ, account)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		if len(rows) < c.pageSize {
			return out, nil
		}
	}
}

func (c *Client) toDomain(r rawEvent, typ domain.EventType, account string) (domain.LendingEvent, error) {
	ts, err := strconv.ParseInt(r.Timestamp, 10, 64)
	if err != nil {
		return domain.LendingEvent{}, fmt.Errorf("event %s: timestamp %q: %w", r.ID, r.Timestamp, err)
	}
	amount, err := ScaleAmount(r.Amount, r.Asset.Decimals)
	if err != nil {
		return domain.LendingEvent{}, fmt.Errorf("event %s: %w", r.ID, err)
	}
	return domain.LendingEvent{
		ID:        r.ID,
		Obligor:   account,
		Protocol:  c.protocol,
		Timestamp: ts,
		LogIndex:  r.LogIndex,
		Type:      typ,
		Symbol:    r.Asset.Symbol,
		Amount:    amount,
		TxHash:    r.Hash,
	}, nil
}

// ScaleAmount converts a base-unit integer string into token units.
func ScaleAmount(baseUnits string, decimals int32) (float64, error) {
	d, err := decimal.NewFromString(baseUnits)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", baseUnits, err)
	}
	return d.Shift(-decimals).InexactFloat64(), nil
}

// FetchLatestBlock returns the newest block the subgraph has indexed.
func (c *Client) FetchLatestBlock(ctx context.Context) (int64, error) {
	data, err := c.doQuery(ctx, `query LatestBlock { _meta { block { number } } }`, nil)
	if err != nil {
		return 0, fmt.Errorf("subgraph: fetch latest block: %w", err)
	}

	var result struct {
		Meta struct {
			Block struct {
				Number int64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("subgraph: decode latest block: %w", err)
	}
	return result.Meta.Block.Number, nil
}

// doQuery posts a GraphQL query and returns the "data" field.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}
	return gqlResp.Data, nil
}
