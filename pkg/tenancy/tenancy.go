// Package tenancy extracts the multi-tenant identity from trusted edge headers.
//
// Identity verification happens at the edge; this plane only requires the
// headers to be present and well-formed.
package tenancy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderTenantId  = "X-Tenant-Id"
	HeaderProjectId = "X-Project-Id"
	HeaderUserId    = "X-User-Id"
	HeaderRoles     = "X-Roles"
	HeaderRequestId = "X-Request-Id"
)

type Tenancy struct {
	TenantId  string
	ProjectId string
	UserId    string
	Roles     []string
	RequestId string
}

// Extract parses tenancy headers.
//
// X-Tenant-Id and X-Project-Id must be UUIDs; X-User-Id is opaque but
// required. X-Roles is optional, comma- or whitespace-separated.
func Extract(header http.Header) (Tenancy, error) {
	tenantId := header.Get(HeaderTenantId)
	projectId := header.Get(HeaderProjectId)
	userId := header.Get(HeaderUserId)

	if tenantId == "" || projectId == "" || userId == "" {
		return Tenancy{}, fmt.Errorf(
			"missing tenancy headers: %s, %s, %s",
			HeaderTenantId, HeaderProjectId, HeaderUserId,
		)
	}

	if _, err := uuid.Parse(tenantId); err != nil {
		return Tenancy{}, fmt.Errorf("%s is not a UUID: %w", HeaderTenantId, err)
	}
	if _, err := uuid.Parse(projectId); err != nil {
		return Tenancy{}, fmt.Errorf("%s is not a UUID: %w", HeaderProjectId, err)
	}

	requestId := header.Get(HeaderRequestId)
	if requestId == "" {
		requestId = uuid.NewString()
	}

	return Tenancy{
		TenantId:  tenantId,
		ProjectId: projectId,
		UserId:    userId,
		Roles:     SplitRoles(header.Get(HeaderRoles)),
		RequestId: requestId,
	}, nil
}

// SplitRoles splits a role list on commas and whitespace, dropping empties.
func SplitRoles(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	roles := []string{}
	for _, f := range fields {
		if f != "" {
			roles = append(roles, f)
		}
	}
	return roles
}

// Apply propagates tenancy onto an outbound request, so downstream calls
// keep the caller's identity and trace.
func (t Tenancy) Apply(req *http.Request) {
	req.Header.Set(HeaderTenantId, t.TenantId)
	req.Header.Set(HeaderProjectId, t.ProjectId)
	req.Header.Set(HeaderUserId, t.UserId)
	if len(t.Roles) > 0 {
		req.Header.Set(HeaderRoles, strings.Join(t.Roles, ","))
	}
	req.Header.Set(HeaderRequestId, t.RequestId)
}
