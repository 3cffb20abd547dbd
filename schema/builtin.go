package schema

// Object type names
const (
	TypeQueue                 = "Queue"
	TypeCertificateProfile    = "CertificateProfile"
	TypeSecurityProfile       = "SecurityProfile"
	TypeConnectionPolicy      = "ConnectionPolicy"
	TypeMessagingPolicy       = "MessagingPolicy"
	TypeEndpoint              = "Endpoint"
	TypeClusterMembership     = "ClusterMembership"
	TypeMQConnectivityEnabled = "MQConnectivityEnabled"
	TypeSNMPEnabled           = "SNMPEnabled"
	TypeLicensedUsage         = "LicensedUsage"
)

// MaxMessagesLimit upper bound of the message count limits
const MaxMessagesLimit = 20000000

func description() PropertySpec {
	return PropertySpec{Name: "Description", Kind: KindString, MaxLen: 1024, Default: ""}
}

func boolProp(name string, def bool) PropertySpec {
	return PropertySpec{Name: name, Kind: KindBool, Default: def}
}

func intProp(name string, min, max, def int64) PropertySpec {
	return PropertySpec{Name: name, Kind: KindInt, HasRange: true, Min: min, Max: max, Default: def}
}

func stringProp(name string, maxLen int, def string) PropertySpec {
	return PropertySpec{Name: name, Kind: KindString, MaxLen: maxLen, Default: def}
}

// BuiltinSchemas the object types served by the admin API
func BuiltinSchemas() []ObjectSchema {
	return []ObjectSchema{
		{
			Type: TypeQueue, Shape: ShapeNamed, NameMaxLen: 256,
			Properties: []PropertySpec{
				description(),
				intProp("MaxMessages", 1, MaxMessagesLimit, 5000),
				boolProp("AllowSend", true),
				boolProp("ConcurrentConsumers", true),
				{Name: "DiscardMessages", Kind: KindBool, NotSettable: true},
			},
		},
		{
			Type: TypeCertificateProfile, Shape: ShapeNamed, NameMaxLen: 256,
			Properties: []PropertySpec{
				{Name: "Certificate", Kind: KindString, Required: true, MaxLen: 255},
				{Name: "Key", Kind: KindString, Required: true, MaxLen: 255},
				{Name: "CertFilePassword", Kind: KindString, Transient: true, MaxLen: 1024},
				{Name: "KeyFilePassword", Kind: KindString, Transient: true, MaxLen: 1024},
				{Name: "Overwrite", Kind: KindBool, Transient: true},
				{Name: "ExpirationDate", Kind: KindString, ReadOnly: true},
			},
		},
		{
			Type: TypeSecurityProfile, Shape: ShapeNamed, NameMaxLen: 32,
			Properties: []PropertySpec{
				description(),
				boolProp("TLSEnabled", true),
				{
					Name: "MinimumProtocolMethod", Kind: KindEnum, Default: "TLSv1.2",
					Enum: []string{"TLSv1", "TLSv1.1", "TLSv1.2", "TLSv1.3"},
				},
				{
					Name: "Ciphers", Kind: KindEnum, Default: "Medium",
					Enum: []string{"Best", "Fast", "Medium"},
				},
				boolProp("UseClientCertificate", false),
				boolProp("UsePasswordAuthentication", true),
				{
					Name: "CertificateProfile", Kind: KindString, Default: "",
					Ref: TypeCertificateProfile, MaxLen: 256,
				},
			},
		},
		{
			Type: TypeConnectionPolicy, Shape: ShapeNamed, NameMaxLen: 256,
			Properties: []PropertySpec{
				description(),
				stringProp("ClientID", 1024, ""),
				stringProp("UserID", 1024, ""),
				stringProp("ClientAddress", 1024, ""),
				stringProp("Protocol", 1024, ""),
				boolProp("AllowDurable", true),
				boolProp("AllowPersistentMessages", true),
			},
		},
		{
			Type: TypeMessagingPolicy, Shape: ShapeNamed, NameMaxLen: 256,
			Properties: []PropertySpec{
				description(),
				{Name: "Topic", Kind: KindString, Required: true, MaxLen: 65535},
				stringProp("ClientID", 1024, ""),
				stringProp("UserID", 1024, ""),
				{
					Name: "ActionList", Kind: KindStringList, Required: true,
					Enum: []string{"Publish", "Subscribe"},
				},
				intProp("MaxMessages", 1, MaxMessagesLimit, 5000),
				{
					Name: "MaxMessagesBehavior", Kind: KindEnum, Default: "RejectNewMessages",
					Enum: []string{"RejectNewMessages", "DiscardOldMessages"},
				},
				boolProp("DisconnectedClientNotification", false),
			},
		},
		{
			Type: TypeEndpoint, Shape: ShapeNamed, NameMaxLen: 256,
			Properties: []PropertySpec{
				description(),
				{Name: "Enabled", Kind: KindBool, Default: true, LiveApplied: true},
				{Name: "Port", Kind: KindInt, Required: true, HasRange: true, Min: 1, Max: 65535},
				stringProp("Interface", 256, "All"),
				stringProp("Protocol", 1024, "All"),
				{
					Name: "SecurityProfile", Kind: KindString, Default: "",
					Ref: TypeSecurityProfile, MaxLen: 32,
				},
				{
					Name: "ConnectionPolicies", Kind: KindStringList, Required: true,
					Ref: TypeConnectionPolicy,
				},
				{
					Name: "MessagingPolicies", Kind: KindStringList, Required: true,
					Ref: TypeMessagingPolicy,
				},
				intProp("MaxMessageSize", 1, 262144, 4096),
			},
		},
		{
			Type: TypeClusterMembership, Shape: ShapeSingleton,
			Properties: []PropertySpec{
				boolProp("EnableClusterMembership", false),
				stringProp("ClusterName", 256, ""),
				intProp("ControlPort", 1, 65535, 9104),
				intProp("MessagingPort", 1, 65535, 9105),
				boolProp("UseMulticastDiscovery", true),
				intProp("MulticastDiscoveryTTL", 1, 256, 1),
			},
		},
		{
			Type: TypeMQConnectivityEnabled, Shape: ShapeScalar,
			Properties: []PropertySpec{
				{Name: TypeMQConnectivityEnabled, Kind: KindBool, Default: false, LiveApplied: true},
			},
		},
		{
			Type: TypeSNMPEnabled, Shape: ShapeScalar,
			Properties: []PropertySpec{
				{Name: TypeSNMPEnabled, Kind: KindBool, Default: false, LiveApplied: true},
			},
		},
		{
			Type: TypeLicensedUsage, Shape: ShapeScalar, ResetExempt: true,
			Properties: []PropertySpec{
				{
					Name: TypeLicensedUsage, Kind: KindEnum,
					Enum: []string{"Developers", "NonProduction", "Production"},
				},
			},
		},
	}
}

// DefaultRegistry the registry of the builtin object types
func DefaultRegistry() *Registry {
	reg, err := NewRegistry(BuiltinSchemas()...)
	if err != nil {
		panic(err)
	}
	return reg
}

// FactoryDefaults the named objects present after a configuration reset
func FactoryDefaults() []Object {
	return []Object{
		{
			Type: TypeConnectionPolicy, Name: "DemoConnectionPolicy",
			Properties: map[string]interface{}{
				"Description": "Demo connection policy", "ClientID": "*",
			},
		},
		{
			Type: TypeMessagingPolicy, Name: "DemoTopicPolicy",
			Properties: map[string]interface{}{
				"Description": "Demo topic policy", "Topic": "*",
				"ActionList": []string{"Publish", "Subscribe"},
			},
		},
		{
			Type: TypeEndpoint, Name: "DemoEndpoint",
			Properties: map[string]interface{}{
				"Description":        "Demo endpoint",
				"Enabled":            false,
				"Port":               int64(16102),
				"ConnectionPolicies": []string{"DemoConnectionPolicy"},
				"MessagingPolicies":  []string{"DemoTopicPolicy"},
			},
		},
	}
}
