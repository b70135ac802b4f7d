package s3

import "fmt"

// VersioningState is the versioning configuration of a bucket.
type VersioningState int

const (
	VersioningDisabled VersioningState = iota
	VersioningEnabled
	VersioningSuspended
)

// String returns the S3 wire name. Disabled has none.
func (v VersioningState) String() string {
	switch v {
	case VersioningEnabled:
		return "Enabled"
	case VersioningSuspended:
		return "Suspended"
	default:
		return ""
	}
}

// ParseVersioningState parses "", "Enabled" or "Suspended".
func ParseVersioningState(s string) (VersioningState, error) {
	switch s {
	case "":
		return VersioningDisabled, nil
	case "Enabled":
		return VersioningEnabled, nil
	case "Suspended":
		return VersioningSuspended, nil
	}
	return VersioningDisabled, fmt.Errorf("%w: unknown versioning status %q", ErrInvalidRequest, s)
}

// NullVersionID addresses the null version.
const NullVersionID = "null"

// Target says which record a write addresses.
type Target int

const (
	TargetNone    Target = iota // no version id supplied
	TargetNull                  // versionId=null
	TargetVersion               // explicit version id
)

// TargetOf classifies a caller-supplied version id.
func TargetOf(versionID string) Target {
	switch versionID {
	case "":
		return TargetNone
	case NullVersionID:
		return TargetNull
	default:
		return TargetVersion
	}
}

// PutAction is the outcome of the put decision table.
type PutAction int

const (
	// PutNewVersion mints a new version id; nothing is superseded.
	PutNewVersion PutAction = iota
	// PutWriteNull writes the null slot as the newest record. Any previous
	// null version is removed and its locations superseded.
	PutWriteNull
	// PutReplaceNull replaces the null version in place, keeping its
	// position in the chain.
	PutReplaceNull
	// PutReplaceVersion replaces an explicit version in place.
	PutReplaceVersion
	// PutInsertVersion inserts a record under a caller-supplied version id.
	PutInsertVersion
)

func (a PutAction) String() string {
	return [...]string{"new-version", "write-null", "replace-null", "replace-version", "insert-version"}[a]
}

// DecidePut maps versioning state, write target and whether the target
// record exists to the action a put performs.
//
//	state      target   exists  action
//	Disabled   none     -       write-null
//	Suspended  none     -       write-null
//	Enabled    none     -       new-version
//	any        null     yes     replace-null
//	any        null     no      write-null
//	Disabled   version  -       InvalidState
//	other      version  yes     replace-version
//	other      version  no      insert-version
func DecidePut(state VersioningState, target Target, exists bool) (PutAction, error) {
	switch target {
	case TargetNone:
		if state == VersioningEnabled {
			return PutNewVersion, nil
		}
		return PutWriteNull, nil
	case TargetNull:
		if exists {
			return PutReplaceNull, nil
		}
		return PutWriteNull, nil
	default:
		if state == VersioningDisabled {
			return 0, fmt.Errorf("%w: explicit version on unversioned bucket", ErrInvalidState)
		}
		if exists {
			return PutReplaceVersion, nil
		}
		return PutInsertVersion, nil
	}
}

// DeleteAction is the outcome of the delete decision table.
type DeleteAction int

const (
	// DeleteInsertMarker adds a delete marker as the newest version.
	DeleteInsertMarker DeleteAction = iota
	// DeleteNullMarker replaces the null slot with a null delete marker.
	DeleteNullMarker
	// DeleteRemoveNull removes the null version.
	DeleteRemoveNull
	// DeleteRemoveVersion removes an explicit version.
	DeleteRemoveVersion
)

func (a DeleteAction) String() string {
	return [...]string{"insert-marker", "null-marker", "remove-null", "remove-version"}[a]
}

// DecideDelete maps versioning state and target to a delete action.
//
//	state      target   action
//	Enabled    none     insert-marker
//	Suspended  none     null-marker
//	Disabled   none     remove-null
//	any        null     remove-null
//	any        version  remove-version
func DecideDelete(state VersioningState, target Target) DeleteAction {
	switch target {
	case TargetNull:
		return DeleteRemoveNull
	case TargetVersion:
		return DeleteRemoveVersion
	}
	switch state {
	case VersioningEnabled:
		return DeleteInsertMarker
	case VersioningSuspended:
		return DeleteNullMarker
	default:
		return DeleteRemoveNull
	}
}
