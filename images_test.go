package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/store"
	"github.com/stratos-labs/ai-gateway/providers"
)

// fakeImageProvider implements ImageProvider on top of fakeProvider.
type fakeImageProvider struct {
	fakeProvider
	imageResp *providers.ImageResponse
	imageErr  error
	lastImage providers.ImageRequest
}

func (f *fakeImageProvider) GenerateImage(_ context.Context, req providers.ImageRequest) (*providers.ImageResponse, error) {
	f.lastImage = req
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return f.imageResp, nil
}

func imageGateway(t *testing.T) (*Gateway, *store.SQLStore, *fakeImageProvider) {
	t.Helper()
	p := &fakeImageProvider{
		fakeProvider: fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}},
		imageResp: &providers.ImageResponse{
			Created: time.Now().Unix(),
			Data: []providers.GeneratedImage{
				{URL: "https://cdn.example.com/img-1.png"},
				{URL: "https://cdn.example.com/img-2.png"},
			},
		},
	}
	gw, st := testGateway(t)
	gw.RegisterProvider(p)
	if err := gw.RefreshRegistry(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return gw, st, p
}

func TestGenerateImageHappyPath(t *testing.T) {
	gw, st, p := imageGateway(t)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	n := 2
	resp, err := gw.GenerateImage(context.Background(), principal, &ImageRequest{
		Prompt: "a lighthouse at dusk", Model: "dall-e-3", N: &n,
	})
	if err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 images, got %d", len(resp.Data))
	}
	if resp.Provider != "openrouter" {
		t.Fatalf("provider must be stamped: %q", resp.Provider)
	}
	// Two images bill 200 token-equivalents = 4000 µcr.
	if resp.GatewayUsage.TokensCharged != 200 {
		t.Fatalf("expected 200 tokens charged, got %d", resp.GatewayUsage.TokensCharged)
	}
	u, _ := st.GetUser(context.Background(), "u1")
	if u.CreditsMicro != store.MicroCreditsPerCredit-4000 {
		t.Fatalf("unexpected balance: %d", u.CreditsMicro)
	}
	if p.lastImage.Prompt != "a lighthouse at dusk" {
		t.Fatalf("prompt lost: %q", p.lastImage.Prompt)
	}
}

func TestGenerateImageRequiresPrompt(t *testing.T) {
	gw, st, _ := imageGateway(t)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	_, err := gw.GenerateImage(context.Background(), principal, &ImageRequest{})
	if re := AsRequestError(err); re.Status != http.StatusBadRequest {
		t.Fatalf("missing prompt must 400, got %+v", re)
	}
}

func TestGenerateImageUnknownProviderOverride(t *testing.T) {
	gw, st, _ := imageGateway(t)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	_, err := gw.GenerateImage(context.Background(), principal, &ImageRequest{
		Prompt: "x", Provider: "nonexistent",
	})
	if re := AsRequestError(err); re.Status != http.StatusNotFound {
		t.Fatalf("unknown provider must 404, got %+v", re)
	}
}

func TestGenerateImageInsufficientCredits(t *testing.T) {
	gw, st, _ := imageGateway(t)
	// One image costs 2000 µcr; give the user less.
	principal := seedPrincipal(t, st, 1000, nil)

	_, err := gw.GenerateImage(context.Background(), principal, &ImageRequest{Prompt: "x"})
	if re := AsRequestError(err); re.Status != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %+v", re)
	}
}
