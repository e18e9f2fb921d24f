package verifier

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"skillruntime/pkg/hasher"
	"skillruntime/pkg/models"
	"skillruntime/pkg/sandbox"
	"skillruntime/pkg/storage"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).With().Timestamp().Logger()
}

type fakeOrderSource struct {
	orders map[string]*models.Order
	err    error
}

func (f *fakeOrderSource) GetOrder(orderID string) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.orders[orderID], nil
}

func setup(t *testing.T, stdout []byte, image string) (*Verifier, *fakeOrderSource, storage.Provider) {
	engine := sandbox.NewMockEngine()
	engine.Responders[image] = sandbox.MockResponder{Stdout: stdout, ExitCode: 0}
	sb := sandbox.New(engine)

	provider := storage.NewLocalProvider(t.TempDir())
	registry := NewInMemorySkillRegistry()
	registry.Register("sentiment-analysis@1.0.0", models.SkillPackage{
		Name:          "sentiment-analysis",
		Version:       "1.0.0",
		ExecutionMode: models.ExecutionSandbox,
		Runtime: models.RuntimeDescriptor{
			DockerImage: image,
			Entrypoint:  "main.py",
		},
	})
	inputSource := NewStorageInputSource(provider)
	orders := &fakeOrderSource{orders: make(map[string]*models.Order)}

	v := New(orders, registry, inputSource, sb, nil, testLogger())
	return v, orders, provider
}

func storeInput(t *testing.T, provider storage.Provider, orderID string, input models.InputEnvelope) string {
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("failed to marshal input: %v", err)
	}
	uri, err := storage.StoreResult(context.Background(), provider, orderID, raw)
	if err != nil {
		t.Fatalf("failed to store input: %v", err)
	}
	return uri
}

func TestVerifyMatchingDigestIsValid(t *testing.T) {
	v, orders, provider := setup(t, []byte(`{"sentiment":"positive"}`), "skill:verify-match")

	input := models.InputEnvelope{"text": "hello"}
	uri := storeInput(t, provider, "order_v1", input)
	digest, err := hasher.Digest(json.RawMessage(`{"sentiment":"positive"}`))
	if err != nil {
		t.Fatalf("failed to compute digest: %v", err)
	}

	orders.orders["order_v1"] = &models.Order{
		ID:         "order_v1",
		SkillID:    "sentiment-analysis@1.0.0",
		InputURI:   uri,
		ResultHash: digest,
	}

	result := v.Verify(context.Background(), "order_v1")
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if !result.IsValid {
		t.Errorf("expected valid, got mismatch: expected=%s actual=%s", result.ExpectedHash, result.ActualHash)
	}
}

func TestVerifyMismatchedDigestIsInvalid(t *testing.T) {
	v, orders, provider := setup(t, []byte(`{"sentiment":"positive"}`), "skill:verify-mismatch")

	uri := storeInput(t, provider, "order_v2", models.InputEnvelope{"text": "hello"})

	orders.orders["order_v2"] = &models.Order{
		ID:         "order_v2",
		SkillID:    "sentiment-analysis@1.0.0",
		InputURI:   uri,
		ResultHash: "deadbeefdeadbeef",
	}

	result := v.Verify(context.Background(), "order_v2")
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.IsValid {
		t.Error("expected mismatch, got valid")
	}
	if result.ExpectedHash != "deadbeefdeadbeef" {
		t.Errorf("expected preserved expected hash, got %s", result.ExpectedHash)
	}
}

func TestVerifyOrderNotFoundIsProcessError(t *testing.T) {
	v, _, _ := setup(t, nil, "skill:unused")

	result := v.Verify(context.Background(), "missing")
	if result.Error == "" {
		t.Fatal("expected process error for missing order")
	}
}

func TestVerifyUnresolvableSkillIsProcessError(t *testing.T) {
	v, orders, provider := setup(t, nil, "skill:unused")
	uri := storeInput(t, provider, "order_v3", models.InputEnvelope{})
	orders.orders["order_v3"] = &models.Order{
		ID:       "order_v3",
		SkillID:  "unknown-skill@9.9.9",
		InputURI: uri,
	}

	result := v.Verify(context.Background(), "order_v3")
	if result.Error == "" {
		t.Fatal("expected process error for unresolvable skill")
	}
}

func TestVerifyReplayFailureIsProcessErrorNotMismatch(t *testing.T) {
	v, orders, provider := setup(t, nil, "skill:unused")
	v.skills.(*InMemorySkillRegistry).Register("crashes@1.0.0", models.SkillPackage{
		Name: "crashes", ExecutionMode: models.ExecutionSandbox,
		Runtime: models.RuntimeDescriptor{DockerImage: "skill:does-not-exist", Entrypoint: "main.py"},
	})
	uri := storeInput(t, provider, "order_v4", models.InputEnvelope{})
	orders.orders["order_v4"] = &models.Order{
		ID:       "order_v4",
		SkillID:  "crashes@1.0.0",
		InputURI: uri,
	}

	result := v.Verify(context.Background(), "order_v4")
	if result.Error == "" {
		t.Fatal("expected process error for sandbox run failure")
	}
	if result.IsValid {
		t.Error("a process error must never present itself as a valid result")
	}
}
