package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMTokenStore keeps one SecureString parameter per shop. Parameter Store
// versions every overwrite; reads always see the latest version. Safe with
// many concurrent instances.
type SSMTokenStore struct {
	client SSMAPI
	prefix string
}

func NewSSMTokenStore(client SSMAPI, prefix string) *SSMTokenStore {
	return &SSMTokenStore{client: client, prefix: "/" + strings.Trim(prefix, "/")}
}

func (s *SSMTokenStore) name(shop string) string {
	return s.prefix + "/" + shop
}

func (s *SSMTokenStore) Save(ctx context.Context, rec TokenRecord) error {
	rec.InstalledAt = rec.InstalledAt.UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	_, err = s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.name(rec.Shop)),
		Value:     aws.String(string(b)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("put token parameter: %w", err)
	}
	return nil
}

func (s *SSMTokenStore) Get(ctx context.Context, shop string) (TokenRecord, bool, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name(shop)),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return TokenRecord{}, false, nil
		}
		return TokenRecord{}, false, fmt.Errorf("get token parameter: %w", err)
	}
	if out.Parameter == nil {
		return TokenRecord{}, false, nil
	}

	var rec TokenRecord
	if err := json.Unmarshal([]byte(aws.ToString(out.Parameter.Value)), &rec); err != nil {
		return TokenRecord{}, false, fmt.Errorf("decode token parameter: %w", err)
	}
	return rec, true, nil
}
