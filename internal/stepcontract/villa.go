package stepcontract

// ContractVersion is the version of the built-in villa onboarding contract.
const ContractVersion = 1

// Step numbers of the built-in villa onboarding flow.
const (
	StepVillaInformation = 1
	StepOwnerDetails     = 2
	StepContractual      = 3
	StepBankDetails      = 4
	StepOTAListings      = 5
	StepDocuments        = 6
	StepStaff            = 7
	StepFacilities       = 8
	StepPhotos           = 9
	StepReview           = 10
)

// DefaultContract returns the built-in ten-step villa onboarding contract.
func DefaultContract() *Contract {
	c, err := NewContract(ContractVersion, villaSchemas()...)
	if err != nil {
		// The built-in table is static; a failure here is a programming error.
		panic(err)
	}

	return c
}

func villaSchemas() []StepSchema {
	return []StepSchema{
		{
			Number: StepVillaInformation, Name: "villa-information", Title: "Villa Information", Version: 2,
			Fields: []FieldSpec{
				{Name: "villaName", Aliases: []string{"name", "propertyName"}, Type: TypeString, Required: true},
				{Name: "villaAddress", Aliases: []string{"address", "streetAddress"}, Type: TypeString, Required: true},
				{Name: "villaCity", Aliases: []string{"city", "town"}, Type: TypeString, Required: true},
				{Name: "villaCountry", Aliases: []string{"country"}, Type: TypeString, Required: true},
				{Name: "villaPostalCode", Aliases: []string{"postalCode", "zipCode", "postcode"}, Type: TypeString},
				{
					Name: "bedrooms", Aliases: []string{"bedroomCount", "numberOfBedrooms"},
					Type: TypeNumber, Required: true, Integer: true, Min: bound(0), Max: bound(50),
				},
				{
					Name: "bathrooms", Aliases: []string{"bathroomCount", "numberOfBathrooms"},
					Type: TypeNumber, Required: true, Integer: true, Min: bound(0), Max: bound(50),
				},
				{
					Name: "maxGuests", Aliases: []string{"guestCapacity", "maxOccupancy"},
					Type: TypeNumber, Required: true, Integer: true, Min: bound(1), Max: bound(100),
				},
				{
					Name: "propertyType", Aliases: []string{"type"}, Type: TypeEnum, Required: true,
					Enum: []string{"villa", "apartment", "house", "estate"},
				},
				{Name: "villaArea", Aliases: []string{"areaSqm", "villaSize"}, Type: TypeNumber, Min: bound(0)},
				{Name: "landArea", Aliases: []string{"landSize", "landSqm"}, Type: TypeNumber, Min: bound(0)},
				{Name: "yearBuilt", Aliases: []string{"constructionYear"}, Type: TypeNumber, Integer: true, Min: bound(1800), Max: bound(2100)},
				{Name: "renovationYear", Type: TypeNumber, Integer: true, Min: bound(1800), Max: bound(2100)},
				{
					Name: "locationType", Aliases: []string{"location"}, Type: TypeEnum,
					Enum: []string{"beachfront", "hillside", "jungle", "rice-field", "city"},
				},
				{Name: "description", Aliases: []string{"villaDescription"}, Type: TypeString},
			},
		},
		{
			Number: StepOwnerDetails, Name: "owner-details", Title: "Owner Details", Version: 1,
			Fields: []FieldSpec{
				{
					Name: "ownerType", Aliases: []string{"ownerKind"}, Type: TypeEnum, Required: true,
					Enum: []string{"individual", "company"},
				},
				{Name: "firstName", Aliases: []string{"ownerFirstName", "givenName"}, Type: TypeString, Required: true},
				{Name: "lastName", Aliases: []string{"ownerLastName", "surname", "familyName"}, Type: TypeString, Required: true},
				{Name: "email", Aliases: []string{"ownerEmail", "emailAddress"}, Type: TypeString, Required: true},
				{Name: "phone", Aliases: []string{"ownerPhone", "phoneNumber", "mobile"}, Type: TypeString, Required: true},
				{Name: "nationality", Aliases: []string{"ownerNationality"}, Type: TypeString},
				{Name: "passportNumber", Aliases: []string{"passportNo"}, Type: TypeString},
				{Name: "companyName", Aliases: []string{"businessName"}, Type: TypeString},
				{Name: "companyTaxId", Aliases: []string{"taxId", "npwp"}, Type: TypeString},
				{Name: "ownerAddress", Aliases: []string{"residentialAddress"}, Type: TypeString},
			},
		},
		{
			Number: StepContractual, Name: "contractual-details", Title: "Contractual Details", Version: 1,
			Fields: []FieldSpec{
				{Name: "contractStartDate", Aliases: []string{"startDate"}, Type: TypeDate, Required: true},
				{Name: "contractEndDate", Aliases: []string{"endDate"}, Type: TypeDate},
				{
					Name: "commissionRate", Aliases: []string{"commission", "commissionPercentage"},
					Type: TypeNumber, Required: true, Min: bound(0), Max: bound(100),
				},
				{Name: "paymentTerms", Type: TypeString, Required: true},
				{
					Name: "cancellationPolicy", Type: TypeEnum, Required: true,
					Enum: []string{"flexible", "moderate", "strict", "non-refundable"},
				},
				{Name: "exclusiveListing", Aliases: []string{"isExclusive"}, Type: TypeBool},
				{Name: "insuranceProvider", Aliases: []string{"insurer"}, Type: TypeString},
			},
		},
		{
			Number: StepBankDetails, Name: "bank-details", Title: "Bank Details", Version: 1,
			Fields: []FieldSpec{
				{Name: "accountHolderName", Aliases: []string{"accountName", "beneficiaryName"}, Type: TypeString, Required: true},
				{Name: "bankName", Type: TypeString, Required: true},
				{Name: "accountNumber", Aliases: []string{"bankAccountNumber", "iban"}, Type: TypeString, Required: true},
				{Name: "swiftCode", Aliases: []string{"swift", "bic", "swiftBic"}, Type: TypeString},
				{
					Name: "currency", Aliases: []string{"payoutCurrency"}, Type: TypeEnum, Required: true,
					Enum: []string{"IDR", "USD", "EUR", "AUD", "SGD", "GBP"},
				},
				{Name: "bankAddress", Aliases: []string{"bankBranchAddress"}, Type: TypeString},
			},
		},
		{
			Number: StepOTAListings, Name: "ota-listings", Title: "OTA Listings", Version: 1,
			Fields: []FieldSpec{
				{
					Name: "primaryChannel", Aliases: []string{"mainChannel"}, Type: TypeEnum, Required: true,
					Enum: []string{"airbnb", "booking-com", "vrbo", "direct", "other"},
				},
				{Name: "airbnbListed", Aliases: []string{"onAirbnb"}, Type: TypeBool},
				{Name: "airbnbUrl", Aliases: []string{"airbnbLink"}, Type: TypeString},
				{Name: "bookingComListed", Aliases: []string{"bookingListed", "onBookingCom"}, Type: TypeBool},
				{Name: "bookingComUrl", Aliases: []string{"bookingLink"}, Type: TypeString},
				{Name: "vrboListed", Aliases: []string{"onVrbo"}, Type: TypeBool},
				{Name: "directBookingsEnabled", Aliases: []string{"directBookings"}, Type: TypeBool},
			},
		},
		{
			Number: StepDocuments, Name: "documents", Title: "Documents", Version: 1,
			Fields: []FieldSpec{
				{Name: "propertyTitleProvided", Aliases: []string{"hasPropertyTitle"}, Type: TypeBool, Required: true},
				{Name: "businessLicenseProvided", Aliases: []string{"hasBusinessLicense"}, Type: TypeBool},
				{Name: "taxRegistrationProvided", Aliases: []string{"hasTaxRegistration"}, Type: TypeBool},
				{Name: "insurancePolicyProvided", Aliases: []string{"hasInsurancePolicy"}, Type: TypeBool},
				{Name: "documentIds", Aliases: []string{"documents", "uploadedDocuments"}, Type: TypeList},
				{Name: "documentsNote", Aliases: []string{"notes"}, Type: TypeString},
			},
		},
		{
			Number: StepStaff, Name: "staff", Title: "Staff Configuration", Version: 1,
			Fields: []FieldSpec{
				{
					Name: "staffCount", Aliases: []string{"numberOfStaff", "staffNumber"},
					Type: TypeNumber, Required: true, Integer: true, Min: bound(0), Max: bound(200),
				},
				{Name: "hasVillaManager", Aliases: []string{"villaManager"}, Type: TypeBool, Required: true},
				{Name: "managerName", Aliases: []string{"villaManagerName"}, Type: TypeString},
				{Name: "managerPhone", Aliases: []string{"villaManagerPhone"}, Type: TypeString},
				{
					Name: "housekeepingFrequency", Aliases: []string{"cleaningFrequency"}, Type: TypeEnum,
					Enum: []string{"daily", "twice-weekly", "weekly", "on-request"},
				},
			},
		},
		{
			Number: StepFacilities, Name: "facilities", Title: "Facilities", Version: 1,
			Fields: []FieldSpec{
				{Name: "hasPool", Aliases: []string{"pool", "swimmingPool"}, Type: TypeBool, Required: true},
				{
					Name: "poolType", Type: TypeEnum,
					Enum: []string{"private", "shared", "infinity", "none"},
				},
				{Name: "hasGym", Aliases: []string{"gym"}, Type: TypeBool},
				{Name: "hasParking", Aliases: []string{"parking"}, Type: TypeBool},
				{Name: "airConditioning", Aliases: []string{"hasAirConditioning", "ac"}, Type: TypeBool},
				{Name: "wifiSpeedMbps", Aliases: []string{"wifiSpeed", "internetSpeed"}, Type: TypeNumber, Min: bound(0)},
				{Name: "amenities", Aliases: []string{"amenityList"}, Type: TypeList},
			},
		},
		{
			Number: StepPhotos, Name: "photos", Title: "Photos", Version: 1,
			DependsOn: []int{StepVillaInformation},
			Fields: []FieldSpec{
				{
					Name: "photoCount", Aliases: []string{"photosUploaded", "numberOfPhotos"},
					Type: TypeNumber, Required: true, Integer: true, Min: bound(1),
				},
				{Name: "coverPhotoId", Aliases: []string{"coverPhoto", "mainPhotoId"}, Type: TypeString, Required: true},
				{Name: "photographerName", Aliases: []string{"photographer"}, Type: TypeString},
			},
		},
		{
			Number: StepReview, Name: "review", Title: "Review & Submit", Version: 1,
			DependsOn: []int{StepVillaInformation, StepOwnerDetails, StepContractual, StepBankDetails},
			Fields: []FieldSpec{
				{Name: "termsAccepted", Aliases: []string{"acceptTerms", "agreeToTerms"}, Type: TypeBool, Required: true},
				{Name: "dataConsent", Aliases: []string{"gdprConsent", "privacyConsent"}, Type: TypeBool, Required: true},
				{Name: "submittedBy", Aliases: []string{"submitterName"}, Type: TypeString},
				{Name: "submissionNotes", Aliases: []string{"reviewNotes"}, Type: TypeString},
			},
		},
	}
}
