package chat

import livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"

// QueueMonitor holds the latest queue position of a WAITING session.
type QueueMonitor struct {
	info *livechat.QueueInfo
}

func (q *QueueMonitor) Update(info livechat.QueueInfo) {
	q.info = &info
}

func (q *QueueMonitor) Clear() {
	q.info = nil
}

// Current returns a copy of the latest info, or nil.
func (q *QueueMonitor) Current() *livechat.QueueInfo {
	if q.info == nil {
		return nil
	}
	info := *q.info
	return &info
}
