// Package params tracks PostgreSQL runtime parameter statuses.
//
// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-ASYNC
//
// ParameterStatus messages are generated whenever the active value changes
// for any of the parameters the backend believes the frontend should know
// about. Most commonly this occurs in response to a SET command, but it can
// also happen when the administrator reloads the server configuration. When
// a client session is handed a different physical server connection, the
// proxy diffs the two parameter sets and replays only the changes.
package params

// ParameterStatuses is a point-in-time view of a session's reported
// parameter values.
type ParameterStatuses map[string]string

// The hard-wired set of parameters Postgres reports via ParameterStatus.
const (
	ParamApplicationName            = "application_name"
	ParamScramIterations            = "scram_iterations"
	ParamClientEncoding             = "client_encoding"
	ParamSearchPath                 = "search_path"
	ParamDateStyle                  = "DateStyle"
	ParamServerEncoding             = "server_encoding"
	ParamDefaultTransactionReadOnly = "default_transaction_read_only"
	ParamServerVersion              = "server_version"
	ParamInHotStandby               = "in_hot_standby"
	ParamSessionAuthorization       = "session_authorization"
	ParamIntegerDatetimes           = "integer_datetimes"
	ParamStandardConformingStrings  = "standard_conforming_strings"
	ParamIntervalStyle              = "IntervalStyle"
	ParamTimeZone                   = "TimeZone"
	ParamIsSuperuser                = "is_superuser"
	ParamUser                       = "user"
)

// BaseTrackedParameters are diffed whenever a client is rebound to a
// different server connection.
var BaseTrackedParameters = []string{
	ParamApplicationName,
	ParamScramIterations,
	ParamClientEncoding,
	ParamSearchPath,
	ParamDateStyle,
	ParamServerEncoding,
	ParamDefaultTransactionReadOnly,
	ParamServerVersion,
	ParamInHotStandby,
	ParamSessionAuthorization,
	ParamIntegerDatetimes,
	ParamStandardConformingStrings,
	ParamIntervalStyle,
	ParamTimeZone,
	ParamIsSuperuser,
}

// BaseParameterStatuses are reported to clients during startup, before any
// server connection exists to report real values.
var BaseParameterStatuses = ParameterStatuses{
	ParamServerVersion:             "18.1 (pgdog)",
	ParamServerEncoding:            "UTF8",
	ParamIntegerDatetimes:          "on",
	ParamStandardConformingStrings: "on",
	ParamIntervalStyle:             "postgres",
	ParamTimeZone:                  "UTC",
}

// ParameterStatusDiff records the changes needed to move a client from one
// parameter view to another. A nil value means the parameter was unset.
type ParameterStatusDiff map[string]*string

// DiffToTip computes the ParameterStatus messages needed to bring a client
// at `base` up to date with a server at `tip`.
func (base ParameterStatuses) DiffToTip(tip ParameterStatuses) ParameterStatusDiff {
	diff := ParameterStatusDiff{}

	for tipKey, tipValue := range tip {
		if baseValue, baseHas := base[tipKey]; !baseHas || baseValue != tipValue {
			diff[tipKey] = &tipValue
		}
	}

	for baseKey := range base {
		if _, tipHas := tip[baseKey]; !tipHas {
			diff[baseKey] = nil
		}
	}

	return diff
}
