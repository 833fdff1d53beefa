package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the querying surface the repository needs. *pgxpool.Pool, pgx.Tx and
// pgxmock pools all satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db  DB
	now func() time.Time
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db, now: time.Now}
}

// withTx returns a repository bound to the transaction, used to hand a
// tx-scoped PolicyStore to the commit-time re-check.
func (r *PgRepository) withTx(tx pgx.Tx) *PgRepository {
	return &PgRepository{db: tx, now: r.now}
}

// Scan helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.FullName,
		&email,
		&p.IsNew,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var p Practitioner
	var specialty *string

	err := row.Scan(
		&p.ID,
		&p.FullName,
		&specialty,
		&p.Timezone,
		&p.CredentialCurrent,
		&p.AcceptingNewPatients,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPractitionerNotFound
		}
		return nil, err
	}

	p.Specialty = specialty
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.PractitionerID,
		&s.StartTime,
		&s.EndTime,
		&s.IsAvailable,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var notes, roomHandle *string

	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.PatientID,
		&a.PractitionerID,
		&a.ServiceCode,
		&a.SessionType,
		&a.Status,
		&a.ScheduledAt,
		&a.EndTime,
		&notes,
		&roomHandle,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Notes = notes
	a.VideoRoomHandle = roomHandle
	return &a, nil
}

const appointmentColumns = `id, slot_id, patient_id, practitioner_id, service_code, session_type, status, scheduled_at, end_time, notes, video_room_handle, created_at, updated_at`

// Lookups

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, full_name, email, is_new, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, full_name, specialty, timezone, credential_current, accepting_new_patients, created_at, updated_at
		FROM practitioners
		WHERE id = $1
	`, id)
	return scanPractitioner(row)
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, practitioner_id, start_time, end_time, is_available, version, created_at, updated_at
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByRoomHandle(ctx context.Context, handle string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE video_room_handle = $1
	`, handle)
	return scanAppointment(row)
}

// Policy reference reads

func (r *PgRepository) GetRebateItem(ctx context.Context, code string) (*RebateItem, error) {
	var item RebateItem
	err := r.db.QueryRow(ctx, `
		SELECT code, description, max_sessions_per_year, requires_referral, active
		FROM rebate_items
		WHERE code = $1
	`, code).Scan(&item.Code, &item.Description, &item.MaxSessionsPerYear, &item.RequiresReferral, &item.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRebateItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *PgRepository) CountApprovedClaims(ctx context.Context, patientID uuid.UUID, itemCode string, year int) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count(*)
		FROM approved_claims
		WHERE patient_id = $1 AND item_code = $2 AND claim_year = $3
	`, patientID, itemCode, year).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PgRepository) GetLatestReferral(ctx context.Context, patientID uuid.UUID) (*Referral, error) {
	var ref Referral
	var referrer *string
	err := r.db.QueryRow(ctx, `
		SELECT id, patient_id, issued_at, referrer
		FROM referrals
		WHERE patient_id = $1
		ORDER BY issued_at DESC
		LIMIT 1
	`, patientID).Scan(&ref.ID, &ref.PatientID, &ref.IssuedAt, &referrer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}
	ref.Referrer = referrer
	return &ref, nil
}

// Availability

func (r *PgRepository) ListPatterns(ctx context.Context, practitionerID uuid.UUID) ([]AvailabilityPattern, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, practitioner_id, weekday, start_minute, end_minute, slot_minutes
		FROM availability_patterns
		WHERE practitioner_id = $1
		ORDER BY weekday, start_minute
	`, practitionerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailabilityPattern
	for rows.Next() {
		var p AvailabilityPattern
		var weekday int
		if err := rows.Scan(&p.ID, &p.PractitionerID, &weekday, &p.StartMinute, &p.EndMinute, &p.SlotMinutes); err != nil {
			return nil, err
		}
		p.Weekday = time.Weekday(weekday)
		result = append(result, p)
	}

	return result, rows.Err()
}

func (r *PgRepository) ListBlockedPeriods(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]BlockedPeriod, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, practitioner_id, starts_at, ends_at, reason
		FROM blocked_periods
		WHERE practitioner_id = $1 AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at
	`, practitionerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []BlockedPeriod
	for rows.Next() {
		var b BlockedPeriod
		var reason *string
		if err := rows.Scan(&b.ID, &b.PractitionerID, &b.StartsAt, &b.EndsAt, &reason); err != nil {
			return nil, err
		}
		b.Reason = reason
		result = append(result, b)
	}

	return result, rows.Err()
}

// InsertSlots upserts materialized slots. The conflict target keeps already
// claimed slots untouched, so re-materializing a range never reopens them.
func (r *PgRepository) InsertSlots(ctx context.Context, slots []Slot) (int, error) {
	inserted := 0
	for _, s := range slots {
		tag, err := r.db.Exec(ctx, `
			INSERT INTO slots (id, practitioner_id, start_time, end_time, is_available, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, true, 1, now(), now())
			ON CONFLICT (practitioner_id, start_time) DO NOTHING
		`, s.ID, s.PractitionerID, s.StartTime, s.EndTime)
		if err != nil {
			return inserted, fmt.Errorf("insert slot: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *PgRepository) ListOpenSlots(ctx context.Context, practitionerID uuid.UUID, from, to, notBefore time.Time) ([]Slot, error) {
	if notBefore.After(from) {
		from = notBefore
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, practitioner_id, start_time, end_time, is_available, version, created_at, updated_at
		FROM slots
		WHERE practitioner_id = $1
		  AND is_available = true
		  AND start_time >= $2
		  AND start_time < $3
		ORDER BY start_time
	`, practitionerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	return result, rows.Err()
}

// Claim / release

// claimSlotTx flips the slot's availability flag with a version bump. Zero
// rows affected means the slot is gone or already claimed; the follow-up read
// tells the two apart.
func (r *PgRepository) claimSlotTx(ctx context.Context, tx pgx.Tx, slotID uuid.UUID) (*Slot, error) {
	row := tx.QueryRow(ctx, `
		UPDATE slots
		SET is_available = false,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND is_available = true
		RETURNING id, practitioner_id, start_time, end_time, is_available, version, created_at, updated_at
	`, slotID)

	slot, err := scanSlot(row)
	if err != nil {
		if !errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		if _, lookupErr := r.withTx(tx).GetSlotByID(ctx, slotID); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, ErrSlotAlreadyBooked
	}

	if !slot.StartTime.After(r.now()) {
		return nil, ErrSlotExpired
	}

	return slot, nil
}

func (r *PgRepository) reopenSlotTx(ctx context.Context, tx pgx.Tx, slotID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE slots
		SET is_available = true,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
	`, slotID)
	if err != nil {
		return fmt.Errorf("reopen slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) ClaimSlot(ctx context.Context, p ClaimParams, recheck func(ctx context.Context, store PolicyStore) error) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	slot, err := r.claimSlotTx(ctx, tx, p.SlotID)
	if err != nil {
		return nil, err
	}

	if recheck != nil {
		if err := recheck(ctx, r.withTx(tx)); err != nil {
			return nil, err
		}
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, slot_id, patient_id, practitioner_id, service_code, session_type, status, scheduled_at, end_time, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'scheduled', $7, $8, $9, now(), now())
		RETURNING `+appointmentColumns+`
	`, id, slot.ID, p.PatientID, slot.PractitionerID, p.ServiceCode, p.SessionType, slot.StartTime, slot.EndTime, p.Notes)

	appt, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	return appt, nil
}

// lockAppointmentTx loads the appointment row FOR UPDATE so concurrent
// lifecycle changes serialize on it.
func (r *PgRepository) lockAppointmentTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Appointment, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

// CancelAppointment flips the appointment to cancelled and reopens its slot
// in the same transaction, so the slot is immediately bookable again.
func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	appt, err := r.lockAppointmentTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(appt.Status, StatusCancelled); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id)
	updated, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	if err := r.reopenSlotTx(ctx, tx, appt.SlotID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel tx: %w", err)
	}

	return updated, nil
}

// RescheduleAppointment claims the new slot, re-runs policy, moves the
// appointment and reopens the old slot, all in one transaction. Any failure
// rolls back and leaves the appointment on its original slot.
func (r *PgRepository) RescheduleAppointment(ctx context.Context, id, newSlotID uuid.UUID, recheck func(ctx context.Context, store PolicyStore) error) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reschedule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	appt, err := r.lockAppointmentTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.Active() {
		return nil, ErrInvalidTransition
	}

	slot, err := r.claimSlotTx(ctx, tx, newSlotID)
	if err != nil {
		return nil, err
	}

	if recheck != nil {
		if err := recheck(ctx, r.withTx(tx)); err != nil {
			return nil, err
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET slot_id = $2,
		    practitioner_id = $3,
		    scheduled_at = $4,
		    end_time = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, slot.ID, slot.PractitionerID, slot.StartTime, slot.EndTime)
	updated, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("move appointment: %w", err)
	}

	if err := r.reopenSlotTx(ctx, tx, appt.SlotID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reschedule tx: %w", err)
	}

	return updated, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)

	return scanAppointment(row)
}

// Sweeps

func (r *PgRepository) queryAppointments(ctx context.Context, sql string, args ...any) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	return result, rows.Err()
}

func (r *PgRepository) FindElapsedConfirmed(ctx context.Context, now time.Time) ([]Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND end_time < $1
	`, now)
}

func (r *PgRepository) FindOverdueScheduled(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'scheduled'
		  AND scheduled_at < $1
	`, cutoff)
}

func (r *PgRepository) FindActiveScheduledBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
		  AND scheduled_at >= $1
		  AND scheduled_at <= $2
	`, from, to)
}

// RecordReminder returns false when the (appointment, tier) pair was already
// dispatched by an earlier sweep.
func (r *PgRepository) RecordReminder(ctx context.Context, appointmentID uuid.UUID, tier string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO reminder_records (appointment_id, tier, sent_at)
		VALUES ($1, $2, now())
		ON CONFLICT (appointment_id, tier) DO NOTHING
	`, appointmentID, tier)
	if err != nil {
		return false, fmt.Errorf("record reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Telehealth

// BindVideoRoom stores the handle only when none is bound yet and returns
// whichever handle ends up on the row, so concurrent binds converge.
func (r *PgRepository) BindVideoRoom(ctx context.Context, appointmentID uuid.UUID, handle string) (string, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET video_room_handle = $2,
		    updated_at = now()
		WHERE id = $1
		  AND video_room_handle IS NULL
	`, appointmentID, handle)
	if err != nil {
		return "", fmt.Errorf("bind video room: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return handle, nil
	}

	var stored *string
	err = r.db.QueryRow(ctx, `
		SELECT video_room_handle FROM appointments WHERE id = $1
	`, appointmentID).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAppointmentNotFound
		}
		return "", err
	}
	if stored == nil {
		return "", fmt.Errorf("bind video room: no handle stored for %s", appointmentID)
	}
	return *stored, nil
}

// Detail reads

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := r.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := AppointmentDetail{Appointment: *appt}

	if slot, err := r.GetSlotByID(ctx, appt.SlotID); err == nil {
		detail.Slot = slot
	}
	if patient, err := r.GetPatientByID(ctx, appt.PatientID); err == nil {
		detail.Patient = patient
	}
	if practitioner, err := r.GetPractitionerByID(ctx, appt.PractitionerID); err == nil {
		detail.Practitioner = practitioner
	}

	return &detail, nil
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	appts, err := r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}

	result := make([]AppointmentDetail, 0, len(appts))
	for _, a := range appts {
		result = append(result, AppointmentDetail{Appointment: a})
	}
	return result, nil
}

// Event logging

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
