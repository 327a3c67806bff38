package payment

// Pack is one purchasable credit bundle. PriceLamports is the on-chain
// amount in the smallest unit.
type Pack struct {
	Credits       int64
	PriceLamports uint64
	Label         string
}

// Packs returns the static credit pack catalog.
func Packs() []Pack {
	return []Pack{
		{Credits: 5, PriceLamports: 10_000_000, Label: "Starter"},
		{Credits: 12, PriceLamports: 20_000_000, Label: "Seeker"},
		{Credits: 30, PriceLamports: 45_000_000, Label: "Oracle"},
	}
}
