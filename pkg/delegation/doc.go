// Package delegation lets a user hand a subset of its permissions to another
// user for a bounded time window.
//
// A delegation is checked against the resolver when it is created: the
// delegator must hold every delegated permission at that moment. Afterwards
// the delegation confers its permissions on the delegate while now lies in
// [start, end) and it has not been revoked. Expired and revoked delegations
// are kept for the record.
//
// The Manager implements rbac.DelegationSource and is attached to the
// resolver with Resolver.SetDelegations.
package delegation
