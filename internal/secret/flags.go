package secret

import "strings"

// ServiceFlags records which expensive operations a Service proxy has
// already performed.
type ServiceFlags int32

const (
	ServiceNone            ServiceFlags = 0
	ServiceOpenSession     ServiceFlags = 1 << 1
	ServiceLoadCollections ServiceFlags = 1 << 2
)

// CollectionFlags records which expensive operations a Collection proxy has
// already performed. The bits are unrelated to ServiceFlags.
type CollectionFlags int32

const (
	CollectionNone      CollectionFlags = 0
	CollectionLoadItems CollectionFlags = 1 << 1
)

// ItemFlags records whether an Item proxy holds its secret value.
type ItemFlags int32

const (
	ItemNone       ItemFlags = 0
	ItemLoadSecret ItemFlags = 1 << 1
)

// SearchFlags tune Service.Search.
type SearchFlags int32

const (
	SearchNone        SearchFlags = 0
	SearchAll         SearchFlags = 1 << 1
	SearchUnlock      SearchFlags = 1 << 2
	SearchLoadSecrets SearchFlags = 1 << 3
)

type flagName struct {
	bit  int32
	name string
}

func formatFlags(v int32, names []flagName) string {
	if v == 0 {
		return "none"
	}
	var parts []string
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

func (f ServiceFlags) Has(flag ServiceFlags) bool { return f&flag == flag && flag != 0 }

func (f ServiceFlags) String() string {
	return formatFlags(int32(f), []flagName{
		{int32(ServiceOpenSession), "open-session"},
		{int32(ServiceLoadCollections), "load-collections"},
	})
}

func (f CollectionFlags) Has(flag CollectionFlags) bool { return f&flag == flag && flag != 0 }

func (f CollectionFlags) String() string {
	return formatFlags(int32(f), []flagName{
		{int32(CollectionLoadItems), "load-items"},
	})
}

func (f ItemFlags) Has(flag ItemFlags) bool { return f&flag == flag && flag != 0 }

func (f ItemFlags) String() string {
	return formatFlags(int32(f), []flagName{
		{int32(ItemLoadSecret), "load-secret"},
	})
}

func (f SearchFlags) Has(flag SearchFlags) bool { return f&flag == flag && flag != 0 }

func (f SearchFlags) String() string {
	return formatFlags(int32(f), []flagName{
		{int32(SearchAll), "all"},
		{int32(SearchUnlock), "unlock"},
		{int32(SearchLoadSecrets), "load-secrets"},
	})
}
