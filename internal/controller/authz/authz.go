// Package authz provides a casbin RBAC guard, keyed by replica identity
// and partition, for the controller's replica-facing mutating RPCs
// (ReportLeader, ExpandISR, ShrinkISR), a supplemental cluster-hardening
// feature layered on top of the core ISR/epoch/confirm-offset
// algorithms (see SPEC_FULL.md §4). The controller package does not
// consult a Guard; callers check Allow themselves.
package authz

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/pkg/errors"
)

// Action names used as the casbin "act" field.
const (
	ActionReportLeader = "report-leader"
	ActionExpandISR    = "expand-isr"
	ActionShrinkISR    = "shrink-isr"
)

// modelText is an RBAC model: a replica (sub) must hold a role granting
// act on a partition (obj).
const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// Guard wraps a casbin enforcer for the controller's RPC surface.
type Guard struct {
	enforcer *casbin.Enforcer
}

// New builds a Guard from an in-memory policy; policyPath may point to a
// CSV policy file on disk for production deployments.
func New(policyPath string) (*Guard, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, errors.Wrap(err, "parse authz model")
	}
	var e *casbin.Enforcer
	if policyPath == "" {
		e, err = casbin.NewEnforcer(m)
	} else {
		e, err = casbin.NewEnforcer(m, policyPath)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create enforcer")
	}
	return &Guard{enforcer: e}, nil
}

// GrantRole assigns replicaID the "replica" role for partition, the
// minimum grant needed to call the mutating RPCs on it.
func (g *Guard) GrantRole(replicaID, partition string) error {
	_, err := g.enforcer.AddGroupingPolicy(replicaID, "replica")
	if err != nil {
		return err
	}
	_, err = g.enforcer.AddPolicy("replica", partition, ActionReportLeader)
	if err != nil {
		return err
	}
	_, err = g.enforcer.AddPolicy("replica", partition, ActionExpandISR)
	if err != nil {
		return err
	}
	_, err = g.enforcer.AddPolicy("replica", partition, ActionShrinkISR)
	return err
}

// Allow reports whether replicaID may perform action on partition.
func (g *Guard) Allow(replicaID, partition, action string) bool {
	ok, err := g.enforcer.Enforce(replicaID, partition, action)
	return err == nil && ok
}
