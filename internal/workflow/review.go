package workflow

import (
	"river-workorder/internal/domain"
)

// NextAfterAreaApproval 区域审核通过后的下一站
//
// manual 工单由原上报人现场确认；ai 工单没有上报人，进入中心终审。
// 路由在第一次区域审核通过时写入 ReviewRoute，之后重复计算返回同一结果。
func NextAfterAreaApproval(wo *domain.Workorder) domain.WorkorderStatus {
	if wo.ReviewRoute == domain.WorkorderPendingFinalReview || wo.ReviewRoute == domain.WorkorderPendingReporterConfirm {
		return wo.ReviewRoute
	}
	if wo.Source == domain.SourceManual {
		return domain.WorkorderPendingReporterConfirm
	}
	return domain.WorkorderPendingFinalReview
}
