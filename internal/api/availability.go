package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/availability"
)

const maxSpecialistDays = 180

func availabilityHandler(engine *availability.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		date, err := availability.ParseDate(q.Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		kind, ok := optionalKind(w, q.Get("kind"))
		if !ok {
			return
		}
		doctorID, ok := optionalUUID(w, q.Get("doctor_id"), "doctor_id")
		if !ok {
			return
		}

		slots, err := engine.Availability(r.Context(), availability.Query{Date: date, Kind: kind, DoctorID: doctorID})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		resp := AvailabilityResponse{Date: date.String(), DoctorID: doctorID, Slots: slots}
		if kind != nil {
			resp.Kind = string(*kind)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func specialistDatesHandler(engine *availability.Engine, horizon int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := horizon
		if raw := r.URL.Query().Get("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxSpecialistDays {
				writeError(w, http.StatusBadRequest, "invalid_days", "days must be between 1 and "+strconv.Itoa(maxSpecialistDays))
				return
			}
			days = n
		}

		from := availability.DateOf(time.Now().In(engine.Location()))
		dates, err := engine.SpecialistDates(r.Context(), from, days)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		resp := SpecialistDatesResponse{From: from.String(), Days: days, Dates: make([]string, 0, len(dates))}
		for _, d := range dates {
			resp.Dates = append(resp.Dates, d.String())
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func listWindowsHandler(windows *availability.WindowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f availability.WindowFilter

		var ok bool
		if f.From, ok = optionalDate(w, q.Get("from"), "from"); !ok {
			return
		}
		if f.To, ok = optionalDate(w, q.Get("to"), "to"); !ok {
			return
		}
		if f.Kind, ok = optionalKind(w, q.Get("kind")); !ok {
			return
		}
		if f.DoctorID, ok = optionalUUID(w, q.Get("doctor_id"), "doctor_id"); !ok {
			return
		}

		list, err := windows.List(r.Context(), f)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"windows": list})
	}
}

func createWindowHandler(windows *availability.WindowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WindowRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		win, ok := req.toWindow(w)
		if !ok {
			return
		}

		created, err := windows.Create(r.Context(), win)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func getWindowHandler(windows *availability.WindowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := windowID(w, r)
		if !ok {
			return
		}
		win, err := windows.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, win)
	}
}

func deleteWindowHandler(windows *availability.WindowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := windowID(w, r)
		if !ok {
			return
		}
		if err := windows.Delete(r.Context(), id); err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (req WindowRequest) toWindow(w http.ResponseWriter) (availability.Window, bool) {
	start, err := availability.ParseClock(req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be HH:MM")
		return availability.Window{}, false
	}
	end, err := availability.ParseClock(req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end_time", "end_time must be HH:MM")
		return availability.Window{}, false
	}

	win := availability.Window{
		DoctorID:    req.DoctorID,
		Kind:        appointment.Kind(req.Kind),
		Start:       start,
		End:         end,
		SlotMinutes: req.SlotMinutes,
		Label:       req.Label,
	}
	if req.Date != nil {
		d, ok := optionalDate(w, *req.Date, "date")
		if !ok {
			return availability.Window{}, false
		}
		win.Date = d
	}
	if req.Weekday != nil {
		wd := time.Weekday(*req.Weekday)
		win.Weekday = &wd
	}
	return win, true
}

func windowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_window_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func optionalDate(w http.ResponseWriter, raw, name string) (*availability.Date, bool) {
	if raw == "" {
		return nil, true
	}
	d, err := availability.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be YYYY-MM-DD")
		return nil, false
	}
	return &d, true
}

func optionalKind(w http.ResponseWriter, raw string) (*appointment.Kind, bool) {
	if raw == "" {
		return nil, true
	}
	kind, err := appointment.ParseKind(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_kind", err.Error())
		return nil, false
	}
	return &kind, true
}
