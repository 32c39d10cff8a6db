package authz

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"hyperush/internal/apperr"
	"hyperush/internal/auth"
	"hyperush/internal/docstore"
	"hyperush/internal/idempotency"
)

const DefaultInvitationTTL = 7 * 24 * time.Hour

type Options struct {
	EnforceInviteEmail bool
	InvitationTTL      time.Duration
}

type Service struct {
	store docstore.Store
	idem  *idempotency.Engine
	log   *zap.Logger
	opts  Options

	now      func() time.Time
	newID    func() string
	newToken func() (string, error)
}

func NewService(store docstore.Store, engine *idempotency.Engine, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.InvitationTTL <= 0 {
		opts.InvitationTTL = DefaultInvitationTTL
	}
	return &Service{
		store:    store,
		idem:     engine,
		log:      log,
		opts:     opts,
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
		newToken: randomToken,
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func membershipKey(tenantID, uid string) (string, error) {
	key, err := docstore.CompoundKey(tenantID, uid)
	if err != nil {
		return "", apperr.Wrap(apperr.Validation, "invalid_principal", "cannot address membership", err)
	}
	return key, nil
}

// CreateTenant creates the tenant and the caller's Owner membership together.
func (s *Service) CreateTenant(ctx context.Context, p auth.Principal, key string, in CreateTenantInput) (idempotency.Outcome[TenantCreated], error) {
	var zero idempotency.Outcome[TenantCreated]
	if err := idempotency.ValidateKey(key); err != nil {
		return zero, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := ValidateStruct(in); err != nil {
		return zero, err
	}
	bodyHash, err := idempotency.BodyHash(struct {
		Op   string `json:"op"`
		Name string `json:"name"`
	}{"create-tenant", in.Name})
	if err != nil {
		return zero, err
	}

	out, err := idempotency.Do(ctx, s.idem, key, idempotency.Options{ActorID: p.UID, BodyHash: bodyHash},
		func(ctx context.Context) (TenantCreated, error) {
			now := s.now().UTC()
			tenant := Tenant{TenantID: s.newID(), Name: in.Name, CreatedAt: now, OwnerUID: p.UID}
			mkey, err := membershipKey(tenant.TenantID, p.UID)
			if err != nil {
				return TenantCreated{}, err
			}
			err = s.store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
				if err := tx.Create(CollectionTenants, tenant.TenantID, tenant); err != nil {
					return fmt.Errorf("create tenant: %w", err)
				}
				m := Membership{TenantID: tenant.TenantID, UID: p.UID, Roles: []Role{RoleOwner}, CreatedAt: now}
				if err := tx.Create(CollectionMemberships, mkey, m); err != nil {
					return fmt.Errorf("create owner membership: %w", err)
				}
				return nil
			})
			if err != nil {
				return TenantCreated{}, err
			}
			return TenantCreated{TenantID: tenant.TenantID}, nil
		})
	if err != nil {
		return zero, err
	}
	s.log.Info("tenant created",
		zap.String("uid", p.UID),
		zap.String("tenantId", out.Result.TenantID),
		zap.Bool("idempotent", out.FromCache))
	return out, nil
}

// CreateInvitation issues a PENDING invitation. Only tenant Owners may invite.
func (s *Service) CreateInvitation(ctx context.Context, p auth.Principal, key string, in CreateInvitationInput) (idempotency.Outcome[InvitationCreated], error) {
	var zero idempotency.Outcome[InvitationCreated]
	if err := idempotency.ValidateKey(key); err != nil {
		return zero, err
	}
	in.Email = NormalizeEmail(in.Email)
	if err := ValidateStruct(in); err != nil {
		return zero, err
	}

	if _, err := s.tenant(ctx, in.TenantID); err != nil {
		return zero, err
	}
	m, err := s.membership(ctx, in.TenantID, p.UID)
	if err != nil {
		return zero, err
	}
	if m == nil || !m.HasRole(RoleOwner) {
		s.log.Warn("invitation denied",
			zap.String("uid", p.UID),
			zap.String("tenantId", in.TenantID),
			zap.String("action", "create_invitation"),
			zap.String("outcome", "deny"))
		return zero, apperr.NewForbidden("not_owner", "only tenant owners can create invitations")
	}

	bodyHash, err := idempotency.BodyHash(struct {
		Op       string `json:"op"`
		TenantID string `json:"tenantId"`
		Email    string `json:"email"`
		Role     Role   `json:"role"`
	}{"create-invite", in.TenantID, in.Email, in.Role})
	if err != nil {
		return zero, err
	}

	out, err := idempotency.Do(ctx, s.idem, key, idempotency.Options{ActorID: p.UID, BodyHash: bodyHash},
		func(ctx context.Context) (InvitationCreated, error) {
			token, err := s.newToken()
			if err != nil {
				return InvitationCreated{}, err
			}
			now := s.now().UTC()
			inv := Invitation{
				Token:     token,
				TenantID:  in.TenantID,
				Email:     in.Email,
				Role:      in.Role,
				Status:    StatusPending,
				CreatedAt: now,
				ExpiresAt: now.Add(s.opts.InvitationTTL),
				CreatedBy: p.UID,
			}
			if err := s.store.Create(ctx, CollectionInvitations, token, inv); err != nil {
				return InvitationCreated{}, fmt.Errorf("create invitation: %w", err)
			}
			return InvitationCreated{Token: token, TenantID: inv.TenantID, ExpiresAt: inv.ExpiresAt}, nil
		})
	if err != nil {
		return zero, err
	}
	s.log.Info("invitation created",
		zap.String("uid", p.UID),
		zap.String("tenantId", in.TenantID),
		zap.String("action", "create_invitation"),
		zap.String("outcome", outcome(out.FromCache, "created")))
	return out, nil
}

// GetInvitation returns the public view of an open invitation.
func (s *Service) GetInvitation(ctx context.Context, token string) (InvitationView, error) {
	inv, err := s.invitation(ctx, token)
	if err != nil {
		return InvitationView{}, err
	}
	if !inv.Open(s.now()) {
		return InvitationView{}, errInvitationGone
	}
	return InvitationView{
		TenantID:  inv.TenantID,
		Email:     inv.Email,
		Role:      inv.Role,
		Status:    inv.Status,
		ExpiresAt: inv.ExpiresAt,
	}, nil
}

var errInvitationGone = apperr.NewGone("invitation_gone", "invitation expired or no longer valid")

// AcceptInvitation merges the invited role into the caller's membership and
// marks the invitation ACCEPTED in one transaction.
func (s *Service) AcceptInvitation(ctx context.Context, p auth.Principal, key, token string) (idempotency.Outcome[InvitationAccepted], error) {
	var zero idempotency.Outcome[InvitationAccepted]
	if err := idempotency.ValidateKey(key); err != nil {
		return zero, err
	}
	if token == "" {
		return zero, apperr.NewValidation("invalid_token", "invitation token is required")
	}
	bodyHash, err := idempotency.BodyHash(struct {
		Op    string `json:"op"`
		Token string `json:"token"`
	}{"accept-invite", token})
	if err != nil {
		return zero, err
	}

	out, err := idempotency.Do(ctx, s.idem, key, idempotency.Options{ActorID: p.UID, BodyHash: bodyHash},
		func(ctx context.Context) (InvitationAccepted, error) {
			var res InvitationAccepted
			err := s.store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
				now := s.now().UTC()

				var inv Invitation
				if err := tx.Get(CollectionInvitations, token, &inv); err != nil {
					if errors.Is(err, docstore.ErrNotFound) {
						return apperr.NewNotFound("invitation not found")
					}
					return fmt.Errorf("load invitation: %w", err)
				}
				if !inv.Open(now) {
					return errInvitationGone
				}
				if err := s.checkEmail(p, inv); err != nil {
					return err
				}

				mkey, err := membershipKey(inv.TenantID, p.UID)
				if err != nil {
					return err
				}
				var m Membership
				switch err := tx.Get(CollectionMemberships, mkey, &m); {
				case errors.Is(err, docstore.ErrNotFound):
					m = Membership{TenantID: inv.TenantID, UID: p.UID, CreatedAt: now}
				case err != nil:
					return fmt.Errorf("load membership: %w", err)
				}
				if !m.HasRole(inv.Role) {
					m.Roles = append(m.Roles, inv.Role)
				}

				if err := tx.Set(CollectionMemberships, mkey, m); err != nil {
					return fmt.Errorf("save membership: %w", err)
				}
				if err := tx.Update(CollectionInvitations, token, map[string]any{
					"status":     StatusAccepted,
					"acceptedAt": now,
					"acceptedBy": p.UID,
				}); err != nil {
					return fmt.Errorf("mark invitation accepted: %w", err)
				}
				res = InvitationAccepted{TenantID: inv.TenantID, Roles: slices.Clone(m.Roles)}
				return nil
			})
			return res, err
		})
	if err != nil {
		if apperr.KindOf(err) == apperr.Forbidden {
			s.log.Warn("invitation email mismatch",
				zap.String("uid", p.UID),
				zap.String("action", "accept_invitation"),
				zap.String("outcome", "email_mismatch"))
		}
		return zero, err
	}
	s.log.Info("invitation accepted",
		zap.String("uid", p.UID),
		zap.String("tenantId", out.Result.TenantID),
		zap.String("action", "accept_invitation"),
		zap.String("outcome", outcome(out.FromCache, "accepted")))
	return out, nil
}

func (s *Service) checkEmail(p auth.Principal, inv Invitation) error {
	if !s.opts.EnforceInviteEmail {
		return nil
	}
	if NormalizeEmail(p.Email) != NormalizeEmail(inv.Email) {
		return apperr.NewForbidden("email_mismatch", "email mismatch for invitation")
	}
	if !p.EmailVerified {
		return apperr.NewForbidden("email_not_verified", "email address is not verified")
	}
	return nil
}

// CancelInvitation cancels a PENDING invitation. Missing, terminal and
// expired invitations are left alone and reported as success.
func (s *Service) CancelInvitation(ctx context.Context, p auth.Principal, token string) error {
	if token == "" {
		return nil
	}
	outcomeName := "canceled"
	var tenantID string
	err := s.store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		now := s.now().UTC()

		var inv Invitation
		if err := tx.Get(CollectionInvitations, token, &inv); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				outcomeName = "not_found"
				return nil
			}
			return fmt.Errorf("load invitation: %w", err)
		}
		tenantID = inv.TenantID

		mkey, err := membershipKey(inv.TenantID, p.UID)
		if err != nil {
			return apperr.NewForbidden("not_owner", "only tenant owners can cancel invitations")
		}
		var m Membership
		if err := tx.Get(CollectionMemberships, mkey, &m); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("load membership: %w", err)
		}
		if !m.HasRole(RoleOwner) {
			return apperr.NewForbidden("not_owner", "only tenant owners can cancel invitations")
		}

		if !inv.Open(now) {
			outcomeName = "noop"
			return nil
		}
		outcomeName = "canceled"
		return tx.Update(CollectionInvitations, token, map[string]any{
			"status":     StatusCanceled,
			"canceledAt": now,
			"canceledBy": p.UID,
		})
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.Forbidden {
			s.log.Warn("cancel denied",
				zap.String("uid", p.UID),
				zap.String("tenantId", tenantID),
				zap.String("action", "cancel_invitation"),
				zap.String("outcome", "deny"))
		}
		return err
	}
	s.log.Info("invitation cancel",
		zap.String("uid", p.UID),
		zap.String("tenantId", tenantID),
		zap.String("action", "cancel_invitation"),
		zap.String("outcome", outcomeName))
	return nil
}

// CheckAccess succeeds when the caller holds any role in the tenant.
func (s *Service) CheckAccess(ctx context.Context, p auth.Principal, tenantID string) error {
	_, err := s.GetRoles(ctx, p, tenantID)
	return err
}

func (s *Service) GetRoles(ctx context.Context, p auth.Principal, tenantID string) (TenantRoles, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return TenantRoles{}, err
	}
	if _, err := s.tenant(ctx, tenantID); err != nil {
		return TenantRoles{}, err
	}
	m, err := s.membership(ctx, tenantID, p.UID)
	if err != nil {
		return TenantRoles{}, err
	}
	if m == nil || len(m.Roles) == 0 {
		return TenantRoles{}, apperr.NewForbidden("not_member", "user is not a member of this tenant")
	}
	return TenantRoles{TenantID: tenantID, Roles: m.Roles}, nil
}

// ListMemberships returns every tenant the caller belongs to.
func (s *Service) ListMemberships(ctx context.Context, p auth.Principal) (Me, error) {
	docs, err := s.store.Query(ctx, docstore.Query{Collection: CollectionMemberships}.Where("uid", p.UID))
	if err != nil {
		return Me{}, fmt.Errorf("list memberships: %w", err)
	}
	me := Me{UID: p.UID, Email: p.Email, Tenants: make([]TenantRoles, 0, len(docs))}
	for _, d := range docs {
		var m Membership
		if err := d.Decode(&m); err != nil {
			return Me{}, fmt.Errorf("decode membership %s: %w", d.Key, err)
		}
		me.Tenants = append(me.Tenants, TenantRoles{TenantID: m.TenantID, Roles: m.Roles})
	}
	return me, nil
}

func (s *Service) tenant(ctx context.Context, tenantID string) (Tenant, error) {
	var t Tenant
	if err := s.store.Get(ctx, CollectionTenants, tenantID, &t); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Tenant{}, apperr.NewNotFound("tenant not found")
		}
		return Tenant{}, fmt.Errorf("load tenant: %w", err)
	}
	return t, nil
}

// membership returns nil when the user has no membership in the tenant.
func (s *Service) membership(ctx context.Context, tenantID, uid string) (*Membership, error) {
	key, err := membershipKey(tenantID, uid)
	if err != nil {
		return nil, err
	}
	var m Membership
	if err := s.store.Get(ctx, CollectionMemberships, key, &m); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load membership: %w", err)
	}
	return &m, nil
}

func (s *Service) invitation(ctx context.Context, token string) (Invitation, error) {
	if token == "" {
		return Invitation{}, apperr.NewNotFound("invitation not found")
	}
	var inv Invitation
	if err := s.store.Get(ctx, CollectionInvitations, token, &inv); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Invitation{}, apperr.NewNotFound("invitation not found")
		}
		return Invitation{}, fmt.Errorf("load invitation: %w", err)
	}
	return inv, nil
}

func outcome(fromCache bool, fresh string) string {
	if fromCache {
		return "idempotent"
	}
	return fresh
}
