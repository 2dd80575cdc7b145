package activity

import (
	"slices"
	"strings"
)

// Action labels as they appear in the audit history.
const (
	ActionUpdate         = "تحديث"
	ActionRequestUpdate  = "تحديث طلب"
	ActionInventory      = "تحديث المخزون/النقل"
	ActionRequestSummary = "تحديث ملخص الطلبات"
	ActionSystemState    = "تحديث حالة النظام"
	ActionCarEdit        = "تعديل سيارة"
	ActionDelete         = "حذف"
	ActionBatch          = "تحديث دفعة واحدة"
)

const (
	prefixRequests   = "requests/"
	prefixAdminState = "mzj_admin_state/"
	prefixCars       = "cars/"
)

// Classify maps a document path and the changed field names to an action
// label. Rules are checked in order and the first match wins.
func Classify(path string, changed []string) string {
	switch {
	case strings.HasPrefix(path, prefixRequests):
		return ActionRequestUpdate
	case strings.HasPrefix(path, prefixAdminState):
		switch {
		case hasAny(changed, "stock", "moves"):
			return ActionInventory
		case hasAny(changed, "shootRequests", "moveRequests"):
			return ActionRequestSummary
		}
		return ActionSystemState
	case strings.HasPrefix(path, prefixCars):
		return ActionCarEdit
	}
	return ActionUpdate
}

func hasAny(keys []string, want ...string) bool {
	for _, w := range want {
		if slices.Contains(keys, w) {
			return true
		}
	}
	return false
}
