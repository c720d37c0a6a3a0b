package server

import (
	"net/http"

	"github.com/teranos/tock/pulse/calendar"
)

func (s *TockServer) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	list, err := s.calendars.List(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list calendars")
		return
	}
	if list == nil {
		list = []*calendar.Calendar{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": list, "count": len(list)})
}
