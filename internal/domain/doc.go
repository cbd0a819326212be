// Package domain holds the tenant-scoped records the communication agent
// works with: messages and their status history, classifiers, templates,
// counterparties, users and tenants, plus the error taxonomy shared by every
// other package.
package domain
