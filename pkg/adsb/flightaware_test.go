package adsb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fregster/hangar-assistant/internal/outbound"
)

func newTestFlightAware(t *testing.T, baseURL string) *FlightAwareClient {
	t.Helper()
	client, err := NewFlightAwareClient(FlightAwareConfig{
		APIKey:          "test-key",
		BaseURL:         baseURL,
		Priority:        2,
		RequestsPerHour: 3600 * 1000,
		Retry: outbound.RetryConfig{
			MaxRetries:   1,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2.0,
		},
	}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return client
}

// TestFlightAwareFetchByRegistration tests flight and position lookup.
func TestFlightAwareFetchByRegistration(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("x-apikey") != "test-key" {
			t.Errorf("Expected x-apikey test-key, got %q", r.Header.Get("x-apikey"))
		}
		switch r.URL.Path {
		case "/flights/N123AB":
			w.Write([]byte(`{"flights":[
				{"ident":"N123AB","fa_flight_id":"N123AB-1","aircraft_type":"C172","actual_off":null},
				{"ident":"N123AB","fa_flight_id":"N123AB-2","aircraft_type":"C172","actual_off":"2024-06-01T11:00:00Z","actual_on":null,
				 "origin":{"code_icao":"KCLT"}}
			]}`))
		case "/flights/N123AB-2/position":
			w.Write([]byte(`{"last_position":{"latitude":35.2,"longitude":-80.9,"altitude":45,"groundspeed":110,"heading":270,"timestamp":"2024-06-01T11:30:00Z"}}`))
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestFlightAware(t, server.URL)
	ac, err := client.FetchByRegistration(context.Background(), "n123ab")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ac == nil {
		t.Fatal("Expected aircraft, got nil")
	}

	if ac.Registration != "N123AB" {
		t.Errorf("Expected registration N123AB, got %s", ac.Registration)
	}
	if ac.Altitude == nil || *ac.Altitude != 4500 {
		t.Errorf("Expected altitude 4500, got %v", ac.Altitude)
	}
	if ac.Track == nil || *ac.Track != 270 {
		t.Errorf("Expected track 270, got %v", ac.Track)
	}
	if ac.Metadata["fa_flight_id"] != "N123AB-2" {
		t.Errorf("Expected active flight N123AB-2, got %s", ac.Metadata["fa_flight_id"])
	}
	if ac.Metadata["origin"] != "KCLT" {
		t.Errorf("Expected origin KCLT, got %s", ac.Metadata["origin"])
	}
	if ac.Priority != 2 || ac.Source != "flightaware" {
		t.Errorf("Expected flightaware priority 2, got %s/%d", ac.Source, ac.Priority)
	}

	// Cached
	if _, err := client.FetchByUniqueID(context.Background(), "N123AB"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 API calls, got %d", calls.Load())
	}
}

// TestFlightAwareNotFound tests that a 404 is reported as no aircraft.
func TestFlightAwareNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestFlightAware(t, server.URL)
	ac, err := client.FetchByRegistration(context.Background(), "N999ZZ")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ac != nil {
		t.Errorf("Expected nil, got %+v", ac)
	}

	// Hex ids are not resolvable through AeroAPI
	ac, err = client.FetchByUniqueID(context.Background(), "A1B2C3")
	if err != nil || ac != nil {
		t.Errorf("Expected (nil, nil) for hex id, got (%v, %v)", ac, err)
	}
}

// TestFlightAwareFetchNear tests the latlong search.
func TestFlightAwareFetchNear(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/flights/search" {
			t.Errorf("Expected /flights/search, got %s", r.URL.Path)
		}
		query := r.URL.Query().Get("query")
		if !strings.HasPrefix(query, "-latlong ") {
			t.Errorf("Expected -latlong query, got %q", query)
		}
		w.Write([]byte(`{"flights":[
			{"ident":"BAW1","registration":"G-XLEA","aircraft_type":"A388","last_position":{"latitude":51.6,"longitude":-0.4,"altitude":80,"timestamp":"2024-06-01T12:00:00Z"}},
			{"ident":"EZY2","registration":"G-EZAA","last_position":{"latitude":51.5,"longitude":-0.45,"altitude":30}},
			{"ident":"NOREG","last_position":{"latitude":51.5,"longitude":-0.45}},
			{"ident":"CORNER","registration":"G-CRNR","last_position":{"latitude":51.89,"longitude":0.2}}
		]}`))
	}))
	defer server.Close()

	client := newTestFlightAware(t, server.URL)
	aircraft, err := client.FetchNear(context.Background(), 51.47, -0.45, 25)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// NOREG has no identifier; CORNER is outside the radius
	if len(aircraft) != 2 {
		t.Fatalf("Expected 2 aircraft, got %d", len(aircraft))
	}
	if aircraft[0].Registration != "G-EZAA" {
		t.Errorf("Expected nearest G-EZAA first, got %s", aircraft[0].Registration)
	}
	if aircraft[1].Altitude == nil || *aircraft[1].Altitude != 8000 {
		t.Errorf("Expected altitude 8000, got %v", aircraft[1].Altitude)
	}
}

// TestFlightAwareTestConnection tests key and reachability checks.
func TestFlightAwareTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-apikey") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"flights":[]}`))
	}))
	defer server.Close()

	client := newTestFlightAware(t, server.URL)
	if err := client.TestConnection(context.Background()); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	client.apiKey = ""
	if err := client.TestConnection(context.Background()); err == nil {
		t.Error("Expected error without API key")
	}

	client.apiKey = "wrong"
	if err := client.TestConnection(context.Background()); err == nil {
		t.Error("Expected error for rejected key")
	}
}
