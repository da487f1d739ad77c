package entity

import (
	"errors"
	"fmt"
	"time"
)

// Status is the warehouse lifecycle state of a package.
type Status string

const (
	StatusInWarehouse    Status = "in-warehouse"
	StatusPendingRemoval Status = "pending-removal"
	StatusRemoved        Status = "removed"
)

// Instruction is the customer-service decision for a returned package.
type Instruction string

const (
	InstructionReDispatch         Instruction = "re-dispatch"
	InstructionReDispatchNewLabel Instruction = "re-dispatch-new-label"
	InstructionReturnToCustomer   Instruction = "return-to-customer"
)

// Statuses lists the known statuses in display order.
var Statuses = []Status{StatusInWarehouse, StatusPendingRemoval, StatusRemoved}

// Instructions lists the known instructions in display order.
var Instructions = []Instruction{InstructionReDispatch, InstructionReDispatchNewLabel, InstructionReturnToCustomer}

func (s Status) Valid() bool {
	switch s {
	case StatusInWarehouse, StatusPendingRemoval, StatusRemoved:
		return true
	}
	return false
}

func (i Instruction) Valid() bool {
	switch i {
	case InstructionReDispatch, InstructionReDispatchNewLabel, InstructionReturnToCustomer:
		return true
	}
	return false
}

// ErrInconsistent is returned when a status and its timestamps disagree.
var ErrInconsistent = errors.New("inconsistent package state")

// Package is a parcel row in the `packages` table.
type Package struct {
	ID              string       `db:"id" json:"id"`
	PackageNumber   string       `db:"package_number" json:"package_number"`
	Location        string       `db:"location" json:"location"`
	PackageStatus   Status       `db:"package_status" json:"package_status"`
	CustomerService *Instruction `db:"customer_service" json:"customer_service"`
	ShelvingTime    *time.Time   `db:"shelving_time" json:"shelving_time"`
	InstructionTime *time.Time   `db:"instruction_time" json:"instruction_time"`
	UnshelvingTime  *time.Time   `db:"unshelving_time" json:"unshelving_time"`
	LastModifiedBy  string       `db:"last_modified_by" json:"last_modified_by"`
	City            string       `db:"city" json:"city"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

// EntityID returns the row id.
func (p Package) EntityID() string { return p.ID }

// BusinessKey returns the package (waybill) number.
func (p Package) BusinessKey() string { return p.PackageNumber }

// InstructionValue returns the instruction or "" when none was issued.
func (p Package) InstructionValue() Instruction {
	if p.CustomerService == nil {
		return ""
	}
	return *p.CustomerService
}

// Validate checks that the status agrees with the timestamps it implies.
func (p Package) Validate() error {
	if !p.PackageStatus.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInconsistent, p.PackageStatus)
	}
	if p.CustomerService != nil && !p.CustomerService.Valid() {
		return fmt.Errorf("%w: unknown instruction %q", ErrInconsistent, *p.CustomerService)
	}
	switch p.PackageStatus {
	case StatusInWarehouse:
		if p.ShelvingTime == nil {
			return fmt.Errorf("%w: in-warehouse without shelving_time", ErrInconsistent)
		}
	case StatusPendingRemoval:
		if p.CustomerService == nil || p.InstructionTime == nil {
			return fmt.Errorf("%w: pending-removal without instruction", ErrInconsistent)
		}
	case StatusRemoved:
		if p.UnshelvingTime == nil {
			return fmt.Errorf("%w: removed without unshelving_time", ErrInconsistent)
		}
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Location         *string
	PackageStatus    *Status
	CustomerService  *Instruction
	ClearInstruction bool
	InstructionTime  *time.Time
	UnshelvingTime   *time.Time
	LastModifiedBy   *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Columns()) == 0
}

// Columns maps the patch onto `packages` column names.
func (p Patch) Columns() map[string]any {
	cols := map[string]any{}
	if p.Location != nil {
		cols["location"] = *p.Location
	}
	if p.PackageStatus != nil {
		cols["package_status"] = string(*p.PackageStatus)
	}
	if p.ClearInstruction {
		cols["customer_service"] = nil
	} else if p.CustomerService != nil {
		cols["customer_service"] = string(*p.CustomerService)
	}
	if p.InstructionTime != nil {
		cols["instruction_time"] = *p.InstructionTime
	}
	if p.UnshelvingTime != nil {
		cols["unshelving_time"] = *p.UnshelvingTime
	}
	if p.LastModifiedBy != nil {
		cols["last_modified_by"] = *p.LastModifiedBy
	}
	return cols
}

// Apply returns a copy of pkg with the patch applied.
func (p Patch) Apply(pkg Package) Package {
	out := pkg
	if p.Location != nil {
		out.Location = *p.Location
	}
	if p.PackageStatus != nil {
		out.PackageStatus = *p.PackageStatus
	}
	if p.ClearInstruction {
		out.CustomerService = nil
	} else if p.CustomerService != nil {
		v := *p.CustomerService
		out.CustomerService = &v
	}
	if p.InstructionTime != nil {
		t := *p.InstructionTime
		out.InstructionTime = &t
	}
	if p.UnshelvingTime != nil {
		t := *p.UnshelvingTime
		out.UnshelvingTime = &t
	}
	if p.LastModifiedBy != nil {
		out.LastModifiedBy = *p.LastModifiedBy
	}
	return out
}
