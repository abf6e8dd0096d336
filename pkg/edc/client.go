// Package edc talks to an EDC control plane management API: querying
// contract agreements, fetching negotiation details and building the
// policy part of contract offers.
package edc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mkanal/item-relationship-service/pkg/httpx"
	"github.com/mkanal/item-relationship-service/pkg/odrl"
	"github.com/mkanal/item-relationship-service/pkg/policy"
	"github.com/mkanal/item-relationship-service/pkg/telemetry"
)

const (
	// AssetIDProperty is the asset id field of the management API
	// namespace, used in query filter expressions.
	AssetIDProperty = "https://w3id.org/edc/v0.0.1/ns/assetId"

	edcNamespace  = "https://w3id.org/edc/v0.0.1/ns/"
	requestSuffix = "/request"
)

var ErrEmptyResponse = errors.New("empty response from control plane")

// Config locates the control plane and carries its credentials.
type Config struct {
	DataEndpoint       string
	ContractAgreements string
	APIKeyHeader       string
	APIKeySecret       string
	Retries            int
	RetryDelay         time.Duration
}

// ConfigFromEnv reads the control plane settings from the process
// environment.
func ConfigFromEnv() Config {
	retries := 2
	if raw := os.Getenv("EDC_RETRIES"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &retries); err != nil {
			retries = 2
		}
	}
	cfg := Config{
		DataEndpoint:       os.Getenv("EDC_DATA_ENDPOINT"),
		ContractAgreements: os.Getenv("EDC_CONTRACT_AGREEMENTS_PATH"),
		APIKeyHeader:       os.Getenv("EDC_API_KEY_HEADER"),
		APIKeySecret:       os.Getenv("EDC_API_KEY_SECRET"),
		Retries:            retries,
		RetryDelay:         200 * time.Millisecond,
	}
	if cfg.ContractAgreements == "" {
		cfg.ContractAgreements = "/v2/contractagreements"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-Api-Key"
	}
	return cfg
}

// ContractAgreement is one agreement returned by the management API.
type ContractAgreement struct {
	ID                  string          `json:"@id"`
	AssetID             string          `json:"assetId"`
	ProviderID          string          `json:"providerId"`
	ConsumerID          string          `json:"consumerId"`
	ContractSigningDate int64           `json:"contractSigningDate"`
	Policy              json.RawMessage `json:"policy"`
}

// ContractNegotiation is the negotiation that produced an agreement.
type ContractNegotiation struct {
	ID                  string `json:"@id"`
	Type                string `json:"type"`
	State               string `json:"state"`
	CounterPartyID      string `json:"counterPartyId"`
	CounterPartyAddress string `json:"counterPartyAddress"`
	Protocol            string `json:"protocol"`
	ContractAgreementID string `json:"contractAgreementId"`
}

type filterExpression struct {
	OperandLeft  string `json:"operandLeft"`
	Operator     string `json:"operator"`
	OperandRight string `json:"operandRight"`
}

type querySpec struct {
	Context          map[string]string  `json:"@context"`
	Type             string             `json:"@type"`
	FilterExpression []filterExpression `json:"filterExpression"`
}

// Client issues management API requests against one control plane.
type Client struct {
	Config Config
	HTTP   *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.DataEndpoint) == "" {
		return nil, errors.New("edc data endpoint required")
	}
	if _, err := url.Parse(cfg.DataEndpoint); err != nil {
		return nil, fmt.Errorf("edc data endpoint: %w", err)
	}
	if httpClient == nil {
		httpClient = telemetry.InstrumentClient(&http.Client{Timeout: 30 * time.Second})
	}
	return &Client{Config: cfg, HTTP: httpClient}, nil
}

func (c *Client) headers() map[string]string {
	headers := map[string]string{}
	if c.Config.APIKeyHeader != "" && c.Config.APIKeySecret != "" {
		headers[c.Config.APIKeyHeader] = c.Config.APIKeySecret
	}
	return headers
}

// GetContractAgreements queries agreements whose asset id matches one
// of the given ids.
func (c *Client) GetContractAgreements(ctx context.Context, assetIDs []string) ([]ContractAgreement, error) {
	if len(assetIDs) == 0 {
		return nil, errors.New("at least one asset id required")
	}
	filters := make([]filterExpression, 0, len(assetIDs))
	for _, id := range assetIDs {
		filters = append(filters, filterExpression{
			OperandLeft:  AssetIDProperty,
			Operator:     "=",
			OperandRight: id,
		})
	}
	body, err := json.Marshal(querySpec{
		Context:          map[string]string{"edc": edcNamespace},
		Type:             "QuerySpec",
		FilterExpression: filters,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(c.Config.DataEndpoint, "/") + c.Config.ContractAgreements + requestSuffix
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodPost, endpoint, body, c.headers(), c.Config.Retries, c.Config.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("query contract agreements: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("query contract agreements: control plane returned %d: %s", status, truncate(respBody))
	}
	if len(respBody) == 0 {
		return nil, ErrEmptyResponse
	}
	var agreements []ContractAgreement
	if err := json.Unmarshal(respBody, &agreements); err != nil {
		return nil, fmt.Errorf("decode contract agreements: %w", err)
	}
	return agreements, nil
}

// GetContractAgreementNegotiation fetches the negotiation behind one
// agreement.
func (c *Client) GetContractAgreementNegotiation(ctx context.Context, agreementID string) (ContractNegotiation, error) {
	if strings.TrimSpace(agreementID) == "" {
		return ContractNegotiation{}, errors.New("agreement id required")
	}
	endpoint := strings.TrimSuffix(c.Config.DataEndpoint, "/") + c.Config.ContractAgreements + "/" + url.PathEscape(agreementID) + "/negotiation"
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodGet, endpoint, nil, c.headers(), c.Config.Retries, c.Config.RetryDelay)
	if err != nil {
		return ContractNegotiation{}, fmt.Errorf("get negotiation for %s: %w", agreementID, err)
	}
	if status == http.StatusNotFound {
		return ContractNegotiation{}, fmt.Errorf("negotiation for %s not found", agreementID)
	}
	if status != http.StatusOK {
		return ContractNegotiation{}, fmt.Errorf("get negotiation for %s: control plane returned %d: %s", agreementID, status, truncate(respBody))
	}
	if len(respBody) == 0 {
		return ContractNegotiation{}, ErrEmptyResponse
	}
	var negotiation ContractNegotiation
	if err := json.Unmarshal(respBody, &negotiation); err != nil {
		return ContractNegotiation{}, fmt.Errorf("decode negotiation: %w", err)
	}
	return negotiation, nil
}

// BuildOffer encodes a policy into the expanded JSON-LD document sent
// as the policy part of a contract offer.
func BuildOffer(p policy.Policy, mapper odrl.ParticipantIDMapper) (json.RawMessage, error) {
	doc, err := odrl.Encode(p, mapper)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
