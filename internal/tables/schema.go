package tables

import (
	"strings"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/feel"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Table names known to the engine.
const (
	WeightClassification = "WeightClassification"
	ServiceDetermination = "ServiceDetermination"
	TaxCalculation       = "TaxCalculation"
	TripType             = "TripType"
	MainPrices           = "MainPrices"
	AdditionalPrices     = "AdditionalPrices"
)

// Canonical field names shared by schemas and the context accessors.
const (
	FieldPriceGrid           = "priceGrid"
	FieldContainerLength     = "containerLength"
	FieldGrossWeight         = "grossWeight"
	FieldServiceType         = "serviceType"
	FieldDirection           = "direction"
	FieldLoadingStatus       = "loadingStatus"
	FieldTransportForm       = "transportForm"
	FieldDangerousGoods      = "dangerousGoods"
	FieldCustomsProcedure    = "customsProcedure"
	FieldDepartureCountry    = "departureCountry"
	FieldDepartureStation    = "departureStation"
	FieldDestinationCountry  = "destinationCountry"
	FieldDestinationStation  = "destinationStation"
	FieldDepartureLocation   = "departureLocation"
	FieldDestinationLocation = "destinationLocation"
	FieldVATID               = "vatId"
	FieldVATCountry          = "vatCountry"
	FieldTruckingCode        = "truckingCode"
	FieldServiceDate         = "serviceDate"

	FieldWeightClass         = "weightClass"
	FieldServiceCode         = "serviceCode"
	FieldServiceName         = "serviceName"
	FieldTripType            = "tripType"
	FieldApplyVAT            = "applyVat"
	FieldTaxCase             = "taxCase"
	FieldTaxRate             = "rate"
	FieldDisplayNotice       = "displayNotice"
	FieldSAPIndicator        = "sapIndicator"
	FieldCentralNotification = "centralNotification"
)

// Role says how a column participates in a table.
type Role int

const (
	RoleInput Role = iota
	RoleOutput
	RoleValidFrom
	RoleValidTo
	RoleDimension
	RoleMatchKey
	RolePrice
	RolePriceBasis
	RoleDescription
)

// OutputType says how an output cell is parsed at load time.
type OutputType int

const (
	OutputText OutputType = iota
	OutputBool
	OutputRate
)

// Column maps a set of header aliases onto a canonical field.
type Column struct {
	Field    string
	Aliases  []string
	Role     Role
	Spec     feel.Spec
	Output   OutputType
	Required bool
}

// Kind distinguishes decision tables from price tables.
type Kind int

const (
	KindDecision Kind = iota
	KindPrice
)

// Schema declares the columns and default hit policy of one table.
type Schema struct {
	Name      string
	Kind      Kind
	HitPolicy HitPolicy
	Columns   []Column

	// Required tables may not disappear from a live repository.
	Required bool

	// DefaultBasis applies to price rows with a blank basis cell.
	DefaultBasis domain.PriceBasis
}

var stringSpec = feel.Spec{Type: feel.TypeString}

func input(field string, spec feel.Spec, aliases ...string) Column {
	return Column{Field: field, Aliases: aliases, Role: RoleInput, Spec: spec}
}

func output(field string, required bool, aliases ...string) Column {
	return Column{Field: field, Aliases: aliases, Role: RoleOutput, Required: required}
}

func typedOutput(field string, typ OutputType, aliases ...string) Column {
	return Column{Field: field, Aliases: aliases, Role: RoleOutput, Output: typ}
}

func dimension(field string, aliases ...string) Column {
	return Column{Field: field, Aliases: aliases, Role: RoleDimension}
}

var validityColumns = []Column{
	{Field: FieldServiceDate, Role: RoleValidFrom, Aliases: []string{"gültig von", "gültig ab", "valid from", "validFrom", "von"}},
	{Field: FieldServiceDate, Role: RoleValidTo, Aliases: []string{"gültig bis", "valid to", "validTo", "bis"}},
}

// Common input columns.
var (
	directionColumn    = input(FieldDirection, feel.Spec{Type: feel.TypeString, Normalize: NormalizeDirection}, "Richtung", "Transportrichtung", "Direction")
	loadingColumn      = input(FieldLoadingStatus, stringSpec, "Ladezustand", "Loading Status")
	transportColumn    = input(FieldTransportForm, stringSpec, "Verkehrsform", "Transport Form", "Transport Type")
	customsColumn      = input(FieldCustomsProcedure, feel.Spec{Type: feel.TypeString, Normalize: strings.ToUpper}, "Zollverfahren", "Zoll-Verfahren", "Customs Procedure")
	serviceTypeColumn  = input(FieldServiceType, stringSpec, "Leistung", "Hauptleistung", "Service Type", "Main Service")
	serviceCodeColumns = []string{"NGB-Code", "Leistungscode", "Service Code", "Code"}
)

var schemas = map[string]*Schema{
	WeightClassification: {
		Name:      WeightClassification,
		Kind:      KindDecision,
		HitPolicy: HitUnique,
		Required:  true,
		Columns: []Column{
			input(FieldPriceGrid, stringSpec, "Preisraster", "Price Grid", "Grid"),
			input(FieldContainerLength, stringSpec, "Länge", "Container Länge", "Containerlänge", "Container Length", "Length"),
			input(FieldGrossWeight, feel.Spec{Type: feel.TypeNumber, Unit: feel.UnitTon}, "Gewicht", "Bruttogewicht", "Gross Weight", "Weight"),
			output(FieldWeightClass, true, "Gewichtsklasse", "Gewichts-klasse", "Weight Class", "Class"),
		},
	},
	ServiceDetermination: {
		Name:      ServiceDetermination,
		Kind:      KindDecision,
		HitPolicy: HitCollect,
		Required:  true,
		Columns: append([]Column{
			serviceTypeColumn,
			loadingColumn,
			transportColumn,
			input(FieldDangerousGoods, feel.Spec{Type: feel.TypeBool}, "Gefahrgut", "Dangerous Goods"),
			customsColumn,
			directionColumn,
			input(FieldDepartureCountry, feel.Spec{Type: feel.TypeString, Normalize: NormalizeCountry}, "Land Versand", "Versandland", "Departure Country"),
			input(FieldDepartureStation, stringSpec, "Bahnstelle Versand", "Versandbahnhof", "Departure Station"),
			input(FieldDestinationCountry, feel.Spec{Type: feel.TypeString, Normalize: NormalizeCountry}, "Land Empfang", "Empfangsland", "Destination Country"),
			input(FieldDestinationStation, stringSpec, "Bahnstelle Empfang", "Empfangsbahnhof", "Destination Station"),
			output(FieldServiceCode, true, serviceCodeColumns...),
			output(FieldServiceName, false, "NGB-Name", "Leistungsname", "Service Name", "Bezeichnung"),
		}, validityColumns...),
	},
	TaxCalculation: {
		Name:      TaxCalculation,
		Kind:      KindDecision,
		HitPolicy: HitFirst,
		Required:  true,
		Columns: []Column{
			serviceTypeColumn,
			loadingColumn,
			input(FieldDepartureLocation, feel.Spec{Type: feel.TypeString, Normalize: NormalizeLocation}, "Versandort", "Departure Location"),
			input(FieldDestinationLocation, feel.Spec{Type: feel.TypeString, Normalize: NormalizeLocation}, "Empfangsort", "Destination Location"),
			input(FieldVATID, feel.Spec{Type: feel.TypeString, Normalize: NormalizeVATID}, "USt-ID", "UStID", "VAT ID"),
			input(FieldVATCountry, feel.Spec{Type: feel.TypeString, Normalize: NormalizeCountry}, "USt-Land", "VAT Country"),
			directionColumn,
			customsColumn,
			typedOutput(FieldApplyVAT, OutputBool, "USt anwenden", "Umsatzsteuer anwenden", "Apply VAT"),
			output(FieldTaxCase, true, "Steuerfall", "Tax Case"),
			typedOutput(FieldTaxRate, OutputRate, "Steuersatz", "Tax Rate", "Rate"),
			typedOutput(FieldDisplayNotice, OutputBool, "Hinweis", "Hinweis anzeigen", "Display Notice"),
			output(FieldSAPIndicator, false, "SAP", "SAP-Kennzeichen", "SAP Indicator", "SAP VAT Indicator"),
			typedOutput(FieldCentralNotification, OutputBool, "Zentrale Meldung", "Central Notification"),
		},
	},
	TripType: {
		Name:      TripType,
		Kind:      KindDecision,
		HitPolicy: HitFirst,
		Columns: []Column{
			input(FieldTruckingCode, feel.Spec{Type: feel.TypeString, Normalize: strings.ToUpper}, "Trucking-Code", "Truckingcode", "Trucking Code"),
			output(FieldTripType, true, "Fahrttyp", "Fahrtart", "Trip Type"),
			output(FieldServiceCode, false, serviceCodeColumns...),
		},
	},
	MainPrices: priceSchema(MainPrices, domain.PriceFixed,
		Column{Field: FieldWeightClass, Role: RoleMatchKey, Required: true, Aliases: []string{"Gewichtsklasse", "Gewichts-klasse", "Weight Class"}}),
	AdditionalPrices: priceSchema(AdditionalPrices, domain.PricePerUnit,
		Column{Field: FieldServiceCode, Role: RoleMatchKey, Required: true, Aliases: serviceCodeColumns}),
}

func priceSchema(name string, basis domain.PriceBasis, matchKey Column) *Schema {
	cols := []Column{
		matchKey,
		dimension(DimCustomerNumber.Field(), "Kundennummer", "Kunde", "Customer Number", "Customer"),
		dimension(DimCustomerGroup.Field(), "Kundengruppe", "Customer Group"),
		dimension(DimOfferNumber.Field(), "Angebotsnummer", "Angebot", "Offer Number", "Offer"),
		dimension(DimDepartureCountry.Field(), "Land Versand", "Versandland", "Departure Country"),
		dimension(DimDepartureStation.Field(), "Bahnstelle Versand", "Versandbahnhof", "Departure Station"),
		dimension(DimTariffPointDep.Field(), "Tarifpunkt Versand", "Tariff Point Departure", "Tariff Point Dep"),
		dimension(DimDestinationCountry.Field(), "Land Empfang", "Empfangsland", "Destination Country"),
		dimension(DimDestinationStation.Field(), "Bahnstelle Empfang", "Empfangsbahnhof", "Destination Station"),
		dimension(DimTariffPointDest.Field(), "Tarifpunkt Empfang", "Tariff Point Destination", "Tariff Point Dest"),
		dimension(DimDirection.Field(), "Richtung", "Transportrichtung", "Direction"),
		dimension(DimLoadingStatus.Field(), "Ladezustand", "Loading Status"),
		dimension(DimTransportForm.Field(), "Verkehrsform", "Transport Form"),
		dimension(DimContainerLength.Field(), "Container Länge", "Container Length", "Länge", "Length"),
		{Field: "price", Role: RolePrice, Required: true, Aliases: []string{"Preis", "Price", "Betrag", "Amount"}},
		{Field: "priceBasis", Role: RolePriceBasis, Aliases: []string{"Preisbasis", "Preiseinheit", "Price Basis", "Basis"}},
		{Field: "description", Role: RoleDescription, Aliases: []string{"Bezeichnung", "Beschreibung", "NGB-Name", "Description"}},
	}
	cols = append(cols, validityColumns...)
	return &Schema{Name: name, Kind: KindPrice, Columns: cols, DefaultBasis: basis, Required: true}
}

// SchemaFor returns the schema registered for a table name.
func SchemaFor(name string) (*Schema, bool) {
	s, ok := schemas[name]
	return s, ok
}

// Known reports whether name is a table the engine loads.
func Known(name string) bool {
	_, ok := schemas[name]
	return ok
}

// IsRequired reports whether rating depends on the named table.
func IsRequired(name string) bool {
	s, ok := schemas[name]
	return ok && s.Required
}

var headerReplacer = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue",
	" ", "", "-", "", "_", "", ".", "", "/", "")

// headerKey folds a header or alias into a comparable form. Decomposed
// umlauts and ß match their composed and folded spellings.
func headerKey(s string) string {
	s = norm.NFC.String(feel.CellText(s))
	s = cases.Fold().String(s)
	return headerReplacer.Replace(s)
}

// NormalizeDirection maps direction spellings onto Export, Import and Domestic.
func NormalizeDirection(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "export", "ausfuhr", "ex":
		return "Export"
	case "import", "einfuhr", "im":
		return "Import"
	case "domestic", "inland", "binnen", "national":
		return "Domestic"
	default:
		return strings.TrimSpace(s)
	}
}

// NormalizeLocation maps location types onto Domestic and Foreign.
func NormalizeLocation(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inland", "domestic":
		return "Domestic"
	case "ausland", "foreign", "abroad":
		return "Foreign"
	default:
		return strings.TrimSpace(s)
	}
}

// NormalizeCountry upper-cases ISO country codes.
func NormalizeCountry(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeVATID maps "no VAT id" spellings onto "none" and upper-cases the rest.
func NormalizeVATID(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keine", "none", "ohne", "no":
		return "none"
	default:
		return strings.ToUpper(strings.TrimSpace(s))
	}
}
