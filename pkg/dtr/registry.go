// Package dtr looks up asset administration shells in a digital twin
// registry and extracts the submodel endpoints relevant for traversal.
// Lookup failures surface as tombstones rather than errors so a batch
// of twins can be processed without aborting.
package dtr

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
	"github.com/mkanal/item-relationship-service/pkg/telemetry"
)

// AssetAdministrationShellDescriptor is the registry's view of one
// digital twin.
type AssetAdministrationShellDescriptor struct {
	IDShort             string               `json:"idShort"`
	Identification      string               `json:"identification"`
	GlobalAssetID       Reference            `json:"globalAssetId"`
	SubmodelDescriptors []SubmodelDescriptor `json:"submodelDescriptors"`
}

// SubmodelDescriptor points at one submodel of a twin.
type SubmodelDescriptor struct {
	IDShort        string     `json:"idShort"`
	Identification string     `json:"identification"`
	SemanticID     Reference  `json:"semanticId"`
	Endpoints      []Endpoint `json:"endpoints"`
}

// Reference is the registry's value-list wrapper for identifiers.
type Reference struct {
	Value []string `json:"value"`
}

func (r Reference) First() string {
	if len(r.Value) == 0 {
		return ""
	}
	return r.Value[0]
}

type Endpoint struct {
	Interface           string              `json:"interface"`
	ProtocolInformation ProtocolInformation `json:"protocolInformation"`
}

type ProtocolInformation struct {
	EndpointAddress string `json:"endpointAddress"`
}

// SubmodelEndpoint is the resolved address of one matching submodel.
type SubmodelEndpoint struct {
	IDShort        string `json:"idShort"`
	Identification string `json:"identification"`
	SemanticID     string `json:"semanticId"`
	Address        string `json:"address"`
}

// ProcessingError records why a twin could not be resolved.
type ProcessingError struct {
	Exception    string    `json:"exception"`
	ErrorDetail  string    `json:"errorDetail"`
	LastAttempt  time.Time `json:"lastAttempt"`
	RetryCounter int       `json:"retryCounter"`
}

// Tombstone marks a twin whose submodel endpoints could not be
// resolved.
type Tombstone struct {
	Identifier      string          `json:"catenaXId"`
	ProcessingError ProcessingError `json:"processingError"`
}

// Client fetches shell descriptors from one registry instance.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Retries int
	Delay   time.Duration
}

// NewClientFromEnv builds a client from DTR_URL.
func NewClientFromEnv(httpClient *http.Client) (*Client, error) {
	return NewClient(os.Getenv("DTR_URL"), httpClient)
}

func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("registry url required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("registry url: %w", err)
	}
	if httpClient == nil {
		httpClient = telemetry.InstrumentClient(&http.Client{Timeout: 30 * time.Second})
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    httpClient,
		Retries: 2,
		Delay:   200 * time.Millisecond,
	}, nil
}

// GetShellDescriptor fetches the descriptor of one twin by its shell
// identifier.
func (c *Client) GetShellDescriptor(ctx context.Context, aasIdentifier string) (AssetAdministrationShellDescriptor, error) {
	if strings.TrimSpace(aasIdentifier) == "" {
		return AssetAdministrationShellDescriptor{}, errors.New("shell identifier required")
	}
	endpoint := c.BaseURL + "/registry/shell-descriptors/" + url.PathEscape(aasIdentifier)
	status, body, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodGet, endpoint, nil, nil, c.Retries, c.Delay)
	if err != nil {
		return AssetAdministrationShellDescriptor{}, fmt.Errorf("get shell descriptor %s: %w", aasIdentifier, err)
	}
	if status == http.StatusNotFound {
		return AssetAdministrationShellDescriptor{}, fmt.Errorf("shell descriptor %s not found", aasIdentifier)
	}
	if status != http.StatusOK {
		return AssetAdministrationShellDescriptor{}, fmt.Errorf("get shell descriptor %s: registry returned %d", aasIdentifier, status)
	}
	var descriptor AssetAdministrationShellDescriptor
	if err := json.Unmarshal(body, &descriptor); err != nil {
		return AssetAdministrationShellDescriptor{}, fmt.Errorf("decode shell descriptor: %w", err)
	}
	return descriptor, nil
}

// registryClient lets tests swap the transport behind the facade.
type registryClient interface {
	GetShellDescriptor(ctx context.Context, aasIdentifier string) (AssetAdministrationShellDescriptor, error)
}

// Facade resolves the submodel endpoints of a twin that match one
// semantic model id.
type Facade struct {
	Client registryClient
}

func NewFacade(client *Client) *Facade {
	return &Facade{Client: client}
}

// GetSubmodelEndpoints returns the endpoints of all submodels whose
// semantic id matches. When nothing matches or the registry call
// fails, the twin gets a tombstone instead.
func (f *Facade) GetSubmodelEndpoints(ctx context.Context, aasIdentifier, semanticID string) ([]SubmodelEndpoint, *Tombstone) {
	descriptor, err := f.Client.GetShellDescriptor(ctx, aasIdentifier)
	if err != nil {
		return nil, tombstone(aasIdentifier, "registry request failed", err.Error())
	}

	var endpoints []SubmodelEndpoint
	for _, submodel := range descriptor.SubmodelDescriptors {
		if submodel.SemanticID.First() != semanticID {
			continue
		}
		if len(submodel.Endpoints) == 0 {
			continue
		}
		endpoints = append(endpoints, SubmodelEndpoint{
			IDShort:        submodel.IDShort,
			Identification: submodel.Identification,
			SemanticID:     semanticID,
			Address:        submodel.Endpoints[0].ProtocolInformation.EndpointAddress,
		})
	}
	if len(endpoints) == 0 {
		return nil, tombstone(aasIdentifier, fmt.Sprintf("no submodel descriptor with semantic id %s", semanticID), "")
	}
	return endpoints, nil
}

func tombstone(aasIdentifier, detail, cause string) *Tombstone {
	if cause != "" {
		detail = detail + ": " + cause
	}
	return &Tombstone{
		Identifier: aasIdentifier,
		ProcessingError: ProcessingError{
			Exception:    "RegistryError",
			ErrorDetail:  detail,
			LastAttempt:  time.Now().UTC(),
			RetryCounter: 0,
		},
	}
}
