package invalidator

import (
	"github.com/saiset-co/sai-cache/types"
)

// DefaultRules seeds the standard business entity types. New entity
// types are added by registering a rule, never by editing invalidation
// logic.
func DefaultRules() []types.InvalidationRule {
	return []types.InvalidationRule{
		{
			Entity: types.EntityCompanies,
			EntityPatterns: []string{
				"companies::id",
				"companies::id:*",
			},
			AggregatePatterns: []string{
				"companies:list:*",
				"companies:active",
				"companies:industries",
			},
			RelatedEntities: []types.EntityType{
				types.EntityProjects,
				types.EntityInvoices,
				types.EntityQuotes,
			},
		},
		{
			Entity: types.EntityInvoices,
			EntityPatterns: []string{
				"invoices::id",
				"invoices::id:*",
			},
			AggregatePatterns: []string{
				"invoices:list:*",
				"invoices:stats",
				"invoices:overdue",
			},
			RelatedEntities: []types.EntityType{
				types.EntityCompanies,
				types.EntityProjects,
			},
		},
		{
			Entity: types.EntityQuotes,
			EntityPatterns: []string{
				"quotes::id",
				"quotes::id:*",
			},
			AggregatePatterns: []string{
				"quotes:list:*",
				"quotes:pending",
			},
			RelatedEntities: []types.EntityType{
				types.EntityCompanies,
			},
		},
		{
			Entity: types.EntityProjects,
			EntityPatterns: []string{
				"projects::id",
				"projects::id:*",
			},
			AggregatePatterns: []string{
				"projects:list:*",
				"projects:active",
			},
			RelatedEntities: []types.EntityType{
				types.EntityCompanies,
			},
		},
		{
			Entity: types.EntityUsers,
			EntityPatterns: []string{
				"users::id",
				"users::id:*",
				"sessions:user::id:*",
			},
			AggregatePatterns: []string{
				"users:list:*",
			},
		},
	}
}
