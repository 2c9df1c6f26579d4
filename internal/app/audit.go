package app

import (
	"context"
	"fmt"
	"time"

	"crmnotify/internal/eventbus"
	"crmnotify/internal/model"
	"crmnotify/internal/storage"
	logx "crmnotify/pkg/logx"
)

var auditKinds = []model.EventKind{
	model.KindDeliverySent,
	model.KindDeliveryFailed,
	model.KindDeliverySuppressed,
}

// attachAudit records every delivery outcome in the store's audit log.
func (a *App) attachAudit(st storage.Store) func() {
	log := a.log.With(logx.String("comp", "audit"))
	h := func(ev model.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.AppendDelivery(ctx, deliveryRecord(ev)); err != nil {
			log.Warn("audit append failed", logx.String("event", ev.ID), logx.Err(err))
		}
	}
	unsubs := make([]func(), 0, len(auditKinds))
	for _, k := range auditKinds {
		unsubs = append(unsubs, a.bus.Subscribe(k, eventbus.Handler(h)))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func deliveryRecord(ev model.Event) storage.DeliveryRecord {
	str := func(k string) string {
		if v, ok := ev.Payload[k]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
		return ""
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return storage.DeliveryRecord{
		At:             at,
		NotificationID: str("notificationId"),
		RuleID:         str("ruleId"),
		Action:         str("action"),
		Channel:        str("channel"),
		Recipient:      str("recipient"),
		Status:         str("status"),
		Reason:         str("reason"),
		Error:          str("error"),
	}
}
