package dtr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const semanticAssemblyPart = "urn:bamm:io.catenax.assembly_part_relationship:1.1.1#AssemblyPartRelationship"

const shellResponse = `{
	"idShort": "gearbox",
	"identification": "urn:uuid:882fc530-b69b-4707-95f6-5dbc5e9baaa8",
	"globalAssetId": {"value": ["urn:uuid:5e3e9060-ba73-4d5d-a6c8-dfd5123f4d99"]},
	"submodelDescriptors": [
		{
			"idShort": "assemblyPartRelationship",
			"identification": "urn:uuid:fc6d1aea-cbf9-4e6c-9ee2-b3a0ea4ca8c5",
			"semanticId": {"value": ["urn:bamm:io.catenax.assembly_part_relationship:1.1.1#AssemblyPartRelationship"]},
			"endpoints": [{"interface": "SUBMODEL-1.0RC02", "protocolInformation": {"endpointAddress": "https://edc.example/shells/gearbox/submodel"}}]
		},
		{
			"idShort": "serialPartTypization",
			"identification": "urn:uuid:0d0a04b2-7d5a-4e04-b2a2-5e6d8b8a59e6",
			"semanticId": {"value": ["urn:bamm:io.catenax.serial_part_typization:1.0.0#SerialPartTypization"]},
			"endpoints": [{"interface": "SUBMODEL-1.0RC02", "protocolInformation": {"endpointAddress": "https://edc.example/shells/gearbox/serial"}}]
		}
	]
}`

func newRegistry(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return client
}

func TestGetShellDescriptor(t *testing.T) {
	client := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/registry/shell-descriptors/shell-1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(shellResponse))
	})

	descriptor, err := client.GetShellDescriptor(context.Background(), "shell-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if descriptor.IDShort != "gearbox" || len(descriptor.SubmodelDescriptors) != 2 {
		t.Fatalf("descriptor = %+v", descriptor)
	}
	if descriptor.GlobalAssetID.First() != "urn:uuid:5e3e9060-ba73-4d5d-a6c8-dfd5123f4d99" {
		t.Fatalf("globalAssetId = %q", descriptor.GlobalAssetID.First())
	}

	if _, err := client.GetShellDescriptor(context.Background(), "missing"); err == nil {
		t.Fatal("expected error on 404")
	}
	if _, err := client.GetShellDescriptor(context.Background(), ""); err == nil {
		t.Fatal("expected error on blank identifier")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("", nil); err == nil {
		t.Fatal("expected error without url")
	}
	client, err := NewClient("http://registry:4243/", nil)
	if err != nil {
		t.Fatalf("valid url: %v", err)
	}
	if client.BaseURL != "http://registry:4243" {
		t.Fatalf("base url = %q", client.BaseURL)
	}
	if client.HTTP.Transport == nil {
		t.Fatal("expected instrumented default transport")
	}
}

func TestFacadeFiltersBySemanticID(t *testing.T) {
	client := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(shellResponse))
	})
	facade := NewFacade(client)

	endpoints, tomb := facade.GetSubmodelEndpoints(context.Background(), "shell-1", semanticAssemblyPart)
	if tomb != nil {
		t.Fatalf("unexpected tombstone: %+v", tomb)
	}
	if len(endpoints) != 1 {
		t.Fatalf("endpoints = %+v", endpoints)
	}
	if endpoints[0].Address != "https://edc.example/shells/gearbox/submodel" {
		t.Fatalf("address = %q", endpoints[0].Address)
	}
	if endpoints[0].SemanticID != semanticAssemblyPart {
		t.Fatalf("semanticId = %q", endpoints[0].SemanticID)
	}
}

func TestFacadeTombstoneWhenNoMatch(t *testing.T) {
	client := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(shellResponse))
	})
	facade := NewFacade(client)

	endpoints, tomb := facade.GetSubmodelEndpoints(context.Background(), "shell-1", "urn:bamm:unknown:1.0.0#Unknown")
	if endpoints != nil {
		t.Fatalf("endpoints = %+v", endpoints)
	}
	if tomb == nil || tomb.Identifier != "shell-1" {
		t.Fatalf("tombstone = %+v", tomb)
	}
	if tomb.ProcessingError.LastAttempt.IsZero() {
		t.Fatal("tombstone must carry a timestamp")
	}
}

type failingRegistry struct{ err error }

func (f failingRegistry) GetShellDescriptor(context.Context, string) (AssetAdministrationShellDescriptor, error) {
	return AssetAdministrationShellDescriptor{}, f.err
}

func TestFacadeTombstoneOnRegistryError(t *testing.T) {
	facade := &Facade{Client: failingRegistry{err: errors.New("connection refused")}}
	endpoints, tomb := facade.GetSubmodelEndpoints(context.Background(), "shell-1", semanticAssemblyPart)
	if endpoints != nil || tomb == nil {
		t.Fatalf("endpoints = %+v, tombstone = %+v", endpoints, tomb)
	}
	if tomb.ProcessingError.ErrorDetail == "" {
		t.Fatal("tombstone must carry the failure detail")
	}
}
