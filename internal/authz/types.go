// Package authz holds the tenant, membership and invitation workflows.
package authz

import (
	"slices"
	"time"
)

type Role string

const (
	RoleOwner         Role = "Owner"
	RoleCollaborator  Role = "Collaborator"
	RolePlatformAdmin Role = "PlatformAdmin"
)

type InvitationStatus string

const (
	StatusPending  InvitationStatus = "PENDING"
	StatusAccepted InvitationStatus = "ACCEPTED"
	StatusCanceled InvitationStatus = "CANCELED"
)

const (
	CollectionTenants     = "tenants"
	CollectionMemberships = "memberships"
	CollectionInvitations = "invitations"
)

type Tenant struct {
	TenantID  string    `json:"tenantId" dynamodbav:"tenantId"`
	Name      string    `json:"name" dynamodbav:"name"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`
	OwnerUID  string    `json:"ownerUid" dynamodbav:"ownerUid"`
}

// Membership binds a user to a tenant. Stored under "<tenantId>_<uid>".
type Membership struct {
	TenantID  string    `json:"tenantId" dynamodbav:"tenantId"`
	UID       string    `json:"uid" dynamodbav:"uid"`
	Roles     []Role    `json:"roles" dynamodbav:"roles"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

func (m Membership) HasRole(r Role) bool { return slices.Contains(m.Roles, r) }

// Invitation is keyed by its token. Expiry is derived from ExpiresAt and is
// never written back as a status.
type Invitation struct {
	Token      string           `json:"token" dynamodbav:"token"`
	TenantID   string           `json:"tenantId" dynamodbav:"tenantId"`
	Email      string           `json:"email" dynamodbav:"email"`
	Role       Role             `json:"role" dynamodbav:"role"`
	Status     InvitationStatus `json:"status" dynamodbav:"status"`
	CreatedAt  time.Time        `json:"createdAt" dynamodbav:"createdAt"`
	ExpiresAt  time.Time        `json:"expiresAt" dynamodbav:"expiresAt"`
	CreatedBy  string           `json:"createdBy,omitempty" dynamodbav:"createdBy,omitempty"`
	AcceptedAt *time.Time       `json:"acceptedAt,omitempty" dynamodbav:"acceptedAt,omitempty"`
	AcceptedBy string           `json:"acceptedBy,omitempty" dynamodbav:"acceptedBy,omitempty"`
	CanceledAt *time.Time       `json:"canceledAt,omitempty" dynamodbav:"canceledAt,omitempty"`
	CanceledBy string           `json:"canceledBy,omitempty" dynamodbav:"canceledBy,omitempty"`
}

func (inv Invitation) Expired(now time.Time) bool { return now.After(inv.ExpiresAt) }

// Open reports whether the invitation can still be accepted or canceled.
func (inv Invitation) Open(now time.Time) bool {
	return inv.Status == StatusPending && !inv.Expired(now)
}

type CreateTenantInput struct {
	Name string `json:"name" validate:"required,min=2,max=64"`
}

type CreateInvitationInput struct {
	TenantID string `json:"tenantId" validate:"required,tenantid"`
	Email    string `json:"email" validate:"required,email"`
	Role     Role   `json:"role" validate:"required,oneof=Owner Collaborator PlatformAdmin"`
}

type TenantCreated struct {
	TenantID string `json:"tenantId"`
}

type InvitationCreated struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenantId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// InvitationView is the public projection of an invitation.
type InvitationView struct {
	TenantID  string           `json:"tenantId"`
	Email     string           `json:"email"`
	Role      Role             `json:"role"`
	Status    InvitationStatus `json:"status"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

type InvitationAccepted struct {
	TenantID string `json:"tenantId"`
	Roles    []Role `json:"roles"`
}

type TenantRoles struct {
	TenantID string `json:"tenantId"`
	Roles    []Role `json:"roles"`
}

type Me struct {
	UID     string        `json:"uid"`
	Email   string        `json:"email"`
	Tenants []TenantRoles `json:"tenants"`
}
