package policy

// BuiltinPolicies returns the policies every agent ships with.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedDevicesPolicy(),
		imageSourcePolicy(),
	}
}

// protectedDevicesPolicy blocks destructive operations aimed at devices
// the agent itself lives on or that are not real disks.
func protectedDevicesPolicy() Policy {
	return Policy{
		Name:        "protected-devices",
		Description: "Blocks erase and image writes targeting ramdisk, loop and device-mapper devices",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package metalagent.policies.devices

import rego.v1

protected_patterns := [
	"^/dev/loop",
	"^/dev/ram",
	"^/dev/zram",
	"^/dev/dm-",
	"^/dev/md",
]

deny contains violation if {
	device := input.params.device
	some pattern in protected_patterns
	regex.match(pattern, device)
	violation := {
		"message": sprintf("device %s is protected and may not be a target of %s", [device, input.operation]),
		"severity": "error",
	}
}
`,
	}
}

// imageSourcePolicy warns when an image is written from a path outside
// the staging area. Sites that stage images elsewhere disable it.
func imageSourcePolicy() Policy {
	return Policy{
		Name:        "image-source",
		Description: "Warns when write_image reads an image from outside /var/lib/metalagent/images",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package metalagent.policies.images

import rego.v1

deny contains violation if {
	input.operation == "write_image"
	path := input.params.image_path
	not startswith(path, "/var/lib/metalagent/images/")
	violation := {
		"message": sprintf("image %s is outside the staging area", [path]),
		"severity": "warning",
	}
}
`,
	}
}
