package shopify

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"hyperush/internal/security"
)

func testSealer(t *testing.T) *security.Sealer {
	t.Helper()
	s, err := security.NewSealerFromBase64(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFileTokenStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")
	installed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := NewFileTokenStore(path, testSealer(t))
	if _, found, err := s.Get(ctx, "acme.myshopify.com"); err != nil || found {
		t.Fatalf("Get on empty store = found %v, err %v", found, err)
	}

	rec := TokenRecord{Shop: "acme.myshopify.com", AccessToken: "shpat_1", Scope: "read_orders", InstalledAt: installed}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "shpat_1") {
		t.Fatal("access token written in plaintext")
	}

	reloaded := NewFileTokenStore(path, testSealer(t))
	got, found, err := reloaded.Get(ctx, "acme.myshopify.com")
	if err != nil || !found {
		t.Fatalf("Get after reload = found %v, err %v", found, err)
	}
	if got.AccessToken != rec.AccessToken || got.Scope != rec.Scope || !got.InstalledAt.Equal(installed) {
		t.Fatalf("Get = %+v", got)
	}
}

func TestFileTokenStoreLatestInstallWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewFileTokenStore(filepath.Join(t.TempDir(), "tokens.json"), nil)

	_ = s.Save(ctx, TokenRecord{Shop: "acme.myshopify.com", AccessToken: "old", Scope: "read_orders"})
	_ = s.Save(ctx, TokenRecord{Shop: "acme.myshopify.com", AccessToken: "new", Scope: "read_orders,write_orders"})

	got, found, _ := s.Get(ctx, "acme.myshopify.com")
	if !found || got.AccessToken != "new" || got.Scope != "read_orders,write_orders" {
		t.Fatalf("Get = %+v", got)
	}
}

func TestFileTokenStoreEncryptedWithoutKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")

	_ = NewFileTokenStore(path, testSealer(t)).Save(ctx, TokenRecord{Shop: "acme.myshopify.com", AccessToken: "shpat_1"})
	if _, _, err := NewFileTokenStore(path, nil).Get(ctx, "acme.myshopify.com"); err == nil {
		t.Fatal("expected error reading an encrypted token without a key")
	}
}

type fakeSSM struct {
	params map[string][]string // name -> versions
}

func (f *fakeSSM) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	name := aws.ToString(in.Name)
	if len(f.params[name]) > 0 && !aws.ToBool(in.Overwrite) {
		return nil, &types.ParameterAlreadyExists{}
	}
	if in.Type != types.ParameterTypeSecureString {
		panic("token parameters must be SecureString")
	}
	f.params[name] = append(f.params[name], aws.ToString(in.Value))
	return &ssm.PutParameterOutput{Version: int64(len(f.params[name]))}, nil
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	versions := f.params[aws.ToString(in.Name)]
	if len(versions) == 0 {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  in.Name,
		Value: aws.String(versions[len(versions)-1]),
	}}, nil
}

func TestSSMTokenStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := &fakeSSM{params: map[string][]string{}}
	s := NewSSMTokenStore(fake, "shopify/tokens/")

	if _, found, err := s.Get(ctx, "acme.myshopify.com"); err != nil || found {
		t.Fatalf("Get missing = found %v, err %v", found, err)
	}

	_ = s.Save(ctx, TokenRecord{Shop: "acme.myshopify.com", AccessToken: "old", Scope: "a"})
	if err := s.Save(ctx, TokenRecord{Shop: "acme.myshopify.com", AccessToken: "new", Scope: "b"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n := len(fake.params["/shopify/tokens/acme.myshopify.com"]); n != 2 {
		t.Fatalf("versions = %d, want 2", n)
	}

	got, found, err := s.Get(ctx, "acme.myshopify.com")
	if err != nil || !found || got.AccessToken != "new" || got.Scope != "b" {
		t.Fatalf("Get = %+v, %v, %v", got, found, err)
	}
}

func TestFileTokenStoreFailedSaveLeavesPreviousToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := NewFileTokenStore(path, nil)

	if err := s.Save(ctx, TokenRecord{Shop: "acme.myshopify.com", AccessToken: "shpat_1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s.path = unwritablePath(t)
	if err := s.Save(ctx, TokenRecord{Shop: "acme.myshopify.com", AccessToken: "shpat_2"}); err == nil {
		t.Fatal("Save with failing write should error")
	}
	if err := s.Save(ctx, TokenRecord{Shop: "new.myshopify.com", AccessToken: "shpat_3"}); err == nil {
		t.Fatal("Save with failing write should error")
	}

	got, found, err := s.Get(ctx, "acme.myshopify.com")
	if err != nil || !found || got.AccessToken != "shpat_1" {
		t.Fatalf("Get = %+v, found %v, err %v", got, found, err)
	}
	if _, found, _ := s.Get(ctx, "new.myshopify.com"); found {
		t.Fatal("unsaved token visible through Get")
	}
}
