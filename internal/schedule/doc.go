// Package schedule keeps one live recurring trigger per active scheduled
// template, per tenant.
//
// The registry maps tenant -> triggers. Any template change for a tenant
// rebuilds that tenant's whole set: cancel everything, then recreate from the
// stored templates. There is no incremental diffing, so live state cannot
// drift from configuration.
//
// A fire is enqueued on the task engine (one in flight per tenant/template),
// takes a lease for its minute slot, re-reads the template and the tenant's
// capability, then fans the template out to the resolved recipients. Fire
// errors are logged only; the next fire is the retry.
package schedule
