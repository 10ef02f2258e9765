package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestOllamaHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3:latest"},{"name":"mistral:7b"}]}`)
	}))
	defer srv.Close()

	if !NewOllama(srv.URL, "llama3").HasModel(context.Background()) {
		t.Error("HasModel(llama3) = false, want true via tag prefix")
	}
	if !NewOllama(srv.URL, "mistral:7b").HasModel(context.Background()) {
		t.Error("HasModel(mistral:7b) = false, want true")
	}
	if NewOllama(srv.URL, "llama").HasModel(context.Background()) {
		t.Error("HasModel(llama) = true, want false")
	}
}

func TestOllamaEnsureReadyPullsMissingModel(t *testing.T) {
	var pulled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			if pulled.Load() {
				fmt.Fprint(w, `{"models":[{"name":"llama3:latest"}]}`)
				return
			}
			fmt.Fprint(w, `{"models":[]}`)
		case "/api/pull":
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			fmt.Fprintln(w, `{"status":"downloading","total":100,"completed":50}`)
			fmt.Fprintln(w, `{"status":"success"}`)
			pulled.Store(true)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := NewOllama(srv.URL, "llama3").EnsureReady(context.Background(), &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !pulled.Load() {
		t.Error("model was not pulled")
	}
	for _, want := range []string{"pulling", "downloading 50%", "success", "model llama3: ready"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestOllamaEnsureReadyPresentModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/pull" {
			t.Error("unexpected pull for present model")
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3:latest"}]}`)
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := NewOllama(srv.URL, "llama3").EnsureReady(context.Background(), &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
}

func TestOllamaEnsureReadyNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	var out bytes.Buffer
	err := NewOllama(srv.URL, "llama3").EnsureReady(context.Background(), &out)
	if !errors.Is(err, ErrOllamaNotRunning) {
		t.Errorf("err = %v, want ErrOllamaNotRunning", err)
	}
}

func TestOllamaPullStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/pull" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := NewOllama(srv.URL, "llama3").EnsureReady(context.Background(), &out)
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want status 500 error", err)
	}
}
