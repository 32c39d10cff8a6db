// Package secrets resolves configuration secrets that may be given directly
// in the environment or held in SSM Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

var ErrNotFound = errors.New("secret not found")

type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Resolver struct {
	client ParameterAPI
	cache  map[string]string
}

// NewResolver returns a resolver; client may be nil when every secret is
// expected in the environment.
func NewResolver(client ParameterAPI) *Resolver {
	return &Resolver{client: client, cache: map[string]string{}}
}

// Resolve returns value when set, otherwise the decrypted parameter.
func (r *Resolver) Resolve(ctx context.Context, value, param string) (string, error) {
	if v := strings.TrimSpace(value); v != "" {
		return v, nil
	}
	if param == "" {
		return "", ErrNotFound
	}
	if v, ok := r.cache[param]; ok {
		return v, nil
	}
	if r.client == nil {
		return "", fmt.Errorf("%s: %w", param, ErrNotFound)
	}

	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%s: %w", param, ErrNotFound)
		}
		return "", fmt.Errorf("get parameter %s: %w", param, err)
	}
	v := strings.TrimSpace(aws.ToString(out.Parameter.Value))
	if v == "" {
		return "", fmt.Errorf("%s: %w", param, ErrNotFound)
	}
	r.cache[param] = v
	return v, nil
}
