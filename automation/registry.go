package automation

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadloop/models"
	"leadloop/utils"
)

// allowedTransitions is the full status matrix. Anything absent fails with
// InvalidStateError. Deletion is not a status: it is allowed from any status
// once no execution is live.
var allowedTransitions = map[string][]string{
	models.AutomationStatusInactive: {models.AutomationStatusActive},
	models.AutomationStatusActive:   {models.AutomationStatusPaused},
	models.AutomationStatusPaused:   {models.AutomationStatusActive, models.AutomationStatusInactive},
}

// AutomationRegistry owns automation definitions: creation, edits, status
// transitions and deletion, with the edit-lock invariant enforced server-side
// instead of being a UI convention.
type AutomationRegistry struct {
	db        *gorm.DB
	evaluator *TriggerEvaluator
	log       *logrus.Entry
}

func NewAutomationRegistry(db *gorm.DB, evaluator *TriggerEvaluator) *AutomationRegistry {
	return &AutomationRegistry{
		db:        db,
		evaluator: evaluator,
		log:       logrus.WithField("component", "registry"),
	}
}

// CreateAutomationInput is the registry boundary: raw JSON from the API is
// decoded and validated once, here.
type CreateAutomationInput struct {
	UserID           uint   `json:"-"`
	Name             string `json:"name" validate:"required,min=1,max=200"`
	Description      string `json:"description" validate:"max=2000"`
	Trigger          string `json:"trigger" validate:"required,oneof=segment_enter segment_exit segment_belongs"`
	TriggerSegmentID uint   `json:"trigger_segment_id" validate:"required"`
	Actions          []models.Action `json:"actions" validate:"required,min=1"`
}

// UpdateAutomationInput carries a partial edit. Nil fields are untouched;
// any non-nil structural field makes the patch structural.
type UpdateAutomationInput struct {
	Name             *string         `json:"name"`
	Description      *string         `json:"description"`
	Trigger          *string         `json:"trigger"`
	TriggerSegmentID *uint           `json:"trigger_segment_id"`
	Actions          []models.Action `json:"actions"`
}

func (in *UpdateAutomationInput) structural() bool {
	return in.Trigger != nil || in.TriggerSegmentID != nil || in.Actions != nil
}

// validateActions checks the tagged action variants field by field.
func validateActions(actions []models.Action) error {
	if len(actions) == 0 {
		return errors.New("automation needs at least one action")
	}
	for i, a := range actions {
		switch a.Kind {
		case models.ActionSendEmail:
			if a.EmailID == 0 {
				return fmt.Errorf("action %d: send_email requires email_id", i)
			}
		case models.ActionWait:
			if _, err := normalizeDelay(a.Duration, a.Unit); err != nil {
				return fmt.Errorf("action %d: %w", i, err)
			}
		default:
			return fmt.Errorf("action %d: unknown kind %q", i, a.Kind)
		}
	}
	return nil
}

// Create stores a new automation. New automations always start inactive.
func (r *AutomationRegistry) Create(in CreateAutomationInput) (*models.Automation, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	if err := validateActions(in.Actions); err != nil {
		return nil, err
	}

	auto := models.Automation{
		UserID:           in.UserID,
		Name:             in.Name,
		Description:      in.Description,
		Status:           models.AutomationStatusInactive,
		Trigger:          in.Trigger,
		TriggerSegmentID: in.TriggerSegmentID,
		Actions:          in.Actions,
		Version:          1,
	}
	if err := r.db.Create(&auto).Error; err != nil {
		return nil, err
	}
	return &auto, nil
}

// Get loads one automation scoped to its owner.
func (r *AutomationRegistry) Get(id, userID uint) (*models.Automation, error) {
	var auto models.Automation
	err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&auto).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "automation", ID: id}
		}
		return nil, err
	}
	return &auto, nil
}

// List returns the client's automations, optionally filtered by status.
func (r *AutomationRegistry) List(userID uint, status string) ([]models.Automation, error) {
	q := r.db.Where("user_id = ?", userID).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var autos []models.Automation
	if err := q.Find(&autos).Error; err != nil {
		return nil, err
	}
	return autos, nil
}

// Update applies a patch. Structural fields (trigger, trigger segment,
// actions) are frozen while the automation is active; editing them requires
// pausing first.
func (r *AutomationRegistry) Update(id, userID uint, in UpdateAutomationInput) (*models.Automation, error) {
	auto, err := r.Get(id, userID)
	if err != nil {
		return nil, err
	}

	if auto.Status == models.AutomationStatusActive && in.structural() {
		return nil, &ConflictError{Reason: "cannot edit trigger or actions while the automation is active; pause it first"}
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		auto.Name = *in.Name
		updates["name"] = *in.Name
	}
	if in.Description != nil {
		auto.Description = *in.Description
		updates["description"] = *in.Description
	}
	if in.Trigger != nil {
		switch *in.Trigger {
		case models.TriggerSegmentEnter, models.TriggerSegmentExit, models.TriggerSegmentBelongs:
		default:
			return nil, fmt.Errorf("unknown trigger %q", *in.Trigger)
		}
		auto.Trigger = *in.Trigger
		updates["trigger_type"] = *in.Trigger
	}
	if in.TriggerSegmentID != nil {
		auto.TriggerSegmentID = *in.TriggerSegmentID
		updates["trigger_segment_id"] = *in.TriggerSegmentID
	}
	if in.Actions != nil {
		if err := validateActions(in.Actions); err != nil {
			return nil, err
		}
		auto.Actions = in.Actions
		updates["actions"] = auto.Actions
	}
	if len(updates) == 0 {
		return auto, nil
	}

	if err := r.commit(auto, updates); err != nil {
		return nil, err
	}
	return auto, nil
}

// SetStatus toggles the lifecycle status. Activating a segment_belongs
// automation runs the catch-up scan, so activation is not purely
// forward-looking: every currently-qualifying lead is enrolled.
func (r *AutomationRegistry) SetStatus(id, userID uint, newStatus string) (*models.Automation, error) {
	auto, err := r.Get(id, userID)
	if err != nil {
		return nil, err
	}

	if !transitionAllowed(auto.Status, newStatus) {
		return nil, &InvalidStateError{From: auto.Status, To: newStatus}
	}

	prev := auto.Status
	auto.Status = newStatus
	if err := r.commit(auto, map[string]interface{}{"status": newStatus}); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"automation_id": auto.ID,
		"from":          prev,
		"to":            newStatus,
	}).Info("automation status changed")

	if newStatus == models.AutomationStatusActive && auto.Trigger == models.TriggerSegmentBelongs {
		if err := r.evaluator.EvaluateBelongs(auto); err != nil {
			// Activation stands; the scan failure is an operational problem,
			// not a caller error.
			r.log.WithError(err).WithField("automation_id", auto.ID).Error("belongs catch-up scan failed")
		}
	}
	return auto, nil
}

// Delete removes an automation. Refused while any execution is live; finished
// executions are retained for metrics and audit.
func (r *AutomationRegistry) Delete(id, userID uint) error {
	auto, err := r.Get(id, userID)
	if err != nil {
		return err
	}

	var live int64
	err = r.db.Model(&models.Execution{}).
		Where("automation_id = ? AND state IN ?", auto.ID,
			[]string{models.ExecutionStateActive, models.ExecutionStateWaitingStep}).
		Count(&live).Error
	if err != nil {
		return err
	}
	if live > 0 {
		return &ConflictError{Reason: fmt.Sprintf("automation has %d execution(s) still running", live)}
	}

	return r.db.Delete(auto).Error
}

// commit writes under the optimistic version check: a concurrent writer that
// bumped the version first wins, and this write reports a conflict.
func (r *AutomationRegistry) commit(auto *models.Automation, updates map[string]interface{}) error {
	currentVersion := auto.Version
	updates["version"] = currentVersion + 1

	res := r.db.Model(&models.Automation{}).
		Where("id = ? AND version = ?", auto.ID, currentVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &ConflictError{Reason: "automation was modified concurrently; reload and retry"}
	}
	auto.Version = currentVersion + 1
	return nil
}

func transitionAllowed(from, to string) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
