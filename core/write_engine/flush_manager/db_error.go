package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrResourceNotOpen   = errors.New("resource is not open")
	ErrResourceReadOnly  = errors.New("resource is opened read-only")
	ErrResourceNotFound  = errors.New("resource does not exist")
	ErrResourceExists    = errors.New("resource already exists")
	ErrInvalidName       = errors.New("invalid resource name")
	ErrInvalidOffset     = errors.New("offset or length out of range")
	ErrStoreClosed       = errors.New("store is closed")
	ErrStoreReadOnly     = errors.New("store is opened read-only")
	ErrIO                = errors.New("i/o error")
	ErrSerialization     = errors.New("error during serialization")
	ErrDeserialization   = errors.New("error during deserialization")
	ErrStoreLocked       = errors.New("store has a locked handle")
	ErrJournalClosed     = errors.New("journal file is closed")
	ErrJournalSlotsInUse = errors.New("all journal slots are in use")
	// Consistency violations abort recovery; nothing is replayed past them.
	ErrConsistency       = errors.New("journal consistency violation")
	ErrUnknownRecordType = errors.New("unknown journal record type")
	ErrDrainFailed       = errors.New("journal drain failed")
)
