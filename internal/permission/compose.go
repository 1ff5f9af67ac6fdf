package permission

import "context"

type andPerm struct {
	perms  []Permission
	denied Permission
}

// And allows only when every child allows. The denial message is the first
// denying child's.
func And(perms ...Permission) Permission {
	return &andPerm{perms: perms}
}

func (a *andPerm) Allow(ctx context.Context, req Request) (bool, error) {
	for _, p := range a.perms {
		ok, err := p.Allow(ctx, req)
		if err != nil {
			return false, err
		}
		if !ok {
			a.denied = p
			return false, nil
		}
	}
	return true, nil
}

func (a *andPerm) DenialMessage() string {
	if a.denied != nil {
		return DenialMessage(a.denied)
	}
	return ""
}

type orPerm struct {
	perms []Permission
	last  Permission
}

// Or allows when at least one child allows. The denial message is the last
// denying child's.
func Or(perms ...Permission) Permission {
	return &orPerm{perms: perms}
}

func (o *orPerm) Allow(ctx context.Context, req Request) (bool, error) {
	for _, p := range o.perms {
		ok, err := p.Allow(ctx, req)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		o.last = p
	}
	return len(o.perms) == 0, nil
}

func (o *orPerm) DenialMessage() string {
	if o.last != nil {
		return DenialMessage(o.last)
	}
	return ""
}

type notPerm struct {
	perm Permission
}

// Not inverts a child's result. Its denial message is the child's own, so a
// check can explain itself whichever way it is mounted.
func Not(p Permission) Permission {
	return &notPerm{perm: p}
}

func (n *notPerm) Allow(ctx context.Context, req Request) (bool, error) {
	ok, err := n.perm.Allow(ctx, req)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (n *notPerm) DenialMessage() string {
	return DenialMessage(n.perm)
}
