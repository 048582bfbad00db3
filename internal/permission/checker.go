package permission

import "github.com/aperture-ai/aperture-gateway/pkg/types"

// StandardOptions is the option set most tool-call permission requests
// present: approve once, approve for the rest of the session, or deny.
// Backends are free to present a different set.
var StandardOptions = []types.PermissionOption{
	{OptionID: "allow_once", Label: "Allow once"},
	{OptionID: "allow_always", Label: "Allow for this session"},
	{OptionID: "deny", Label: "Deny"},
}

// DenyOptionIDs is the subset of StandardOptions that Await treats as a
// denial.
var DenyOptionIDs = map[string]bool{"deny": true}
