package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"alarmd/internal/alarm"
	"alarmd/internal/engine"
)

// Engine is the subset of *engine.Engine the API serves.
type Engine interface {
	Create(ctx context.Context, in alarm.Input) (alarm.Alarm, error)
	Update(ctx context.Context, actor, id string, p alarm.Patch) (alarm.Alarm, error)
	Delete(ctx context.Context, actor, id string) (bool, error)
	Get(ctx context.Context, id string) (alarm.Alarm, error)
	ListByUser(userID string) []alarm.Alarm
	Snooze(ctx context.Context, actor, id string, minutes int) (alarm.Alarm, error)
	Dismiss(ctx context.Context, actor, id, method string) (alarm.Alarm, error)
	NextOccurrence(ctx context.Context, id string) (time.Time, bool, error)
	Events(n int) []alarm.Event
	EventsFor(id string) []alarm.Event
	Stats() engine.Stats
}

type handler struct {
	eng     Engine
	started time.Time
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

type dismissRequest struct {
	Method string `json:"method"`
}

type nextResponse struct {
	AlarmID string     `json:"alarm_id"`
	Next    *time.Time `json:"next"`
}

func (h *handler) health(c *gin.Context) {
	success(c, gin.H{
		"status": "up",
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"stats":  h.eng.Stats(),
	})
}

func (h *handler) createAlarm(c *gin.Context) {
	var in alarm.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, CodeBadRequest, "invalid body: "+err.Error())
		return
	}
	user := userID(c)
	if in.UserID != "" && in.UserID != user {
		fail(c, CodeForbidden, "user_id does not match caller")
		return
	}
	in.UserID = user
	a, err := h.eng.Create(c.Request.Context(), in)
	if err != nil {
		failErr(c, err)
		return
	}
	created(c, a)
}

func (h *handler) listAlarms(c *gin.Context) {
	success(c, h.eng.ListByUser(userID(c)))
}

func (h *handler) getAlarm(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	success(c, a)
}

func (h *handler) updateAlarm(c *gin.Context) {
	var p alarm.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, CodeBadRequest, "invalid body: "+err.Error())
		return
	}
	a, err := h.eng.Update(c.Request.Context(), userID(c), c.Param("id"), p)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, a)
}

func (h *handler) deleteAlarm(c *gin.Context) {
	ok, err := h.eng.Delete(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, gin.H{"deleted": ok})
}

func (h *handler) snoozeAlarm(c *gin.Context) {
	var req snoozeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, CodeBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	a, err := h.eng.Snooze(c.Request.Context(), userID(c), c.Param("id"), req.Minutes)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, a)
}

func (h *handler) dismissAlarm(c *gin.Context) {
	req := dismissRequest{Method: "api"}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, CodeBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	a, err := h.eng.Dismiss(c.Request.Context(), userID(c), c.Param("id"), req.Method)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, a)
}

func (h *handler) nextOccurrence(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	next, found, err := h.eng.NextOccurrence(c.Request.Context(), a.ID)
	if err != nil {
		failErr(c, err)
		return
	}
	resp := nextResponse{AlarmID: a.ID}
	if found {
		resp.Next = &next
	}
	success(c, resp)
}

func (h *handler) alarmEvents(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	success(c, h.eng.EventsFor(a.ID))
}

// events lists the caller's recent events. limit bounds the scan of the log.
func (h *handler) events(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		fail(c, CodeBadRequest, "limit must be a non-negative integer")
		return
	}
	user := userID(c)
	all := h.eng.Events(limit)
	out := make([]alarm.Event, 0, len(all))
	for _, e := range all {
		if e.UserID == user {
			out = append(out, e)
		}
	}
	success(c, out)
}

// owned loads :id and checks the caller may read it. Legacy owner-less
// alarms are readable by anyone.
func (h *handler) owned(c *gin.Context) (alarm.Alarm, bool) {
	a, err := h.eng.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return alarm.Alarm{}, false
	}
	if a.UserID != "" && a.UserID != userID(c) {
		fail(c, CodeForbidden, "alarm belongs to another user")
		return alarm.Alarm{}, false
	}
	return a, true
}
