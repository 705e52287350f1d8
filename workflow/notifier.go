package workflow

import "context"

// Table names used in change notifications and retry queue entries.
const (
	TableOrganizations     = "organizations"
	TableJobs              = "jobs"
	TableCustomers         = "customers"
	TableInventoryItems    = "inventory_items"
	TableEquipment         = "equipment"
	TableWarehouseStocks   = "warehouse_stocks"
	TableJobReconciliation = "job_reconciliations"
)

// ChangeNotifier announces that rows of a table changed for an organization.
// Implementations must not block and must swallow their own failures.
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, orgID, table, operation string)
}

type nopNotifier struct{}

func (nopNotifier) NotifyChange(context.Context, string, string, string) {}

func notifierOrNop(n ChangeNotifier) ChangeNotifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}

func notifyAll(ctx context.Context, n ChangeNotifier, orgID, operation string, tables []string) {
	n = notifierOrNop(n)
	seen := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		n.NotifyChange(ctx, orgID, t, operation)
	}
}
