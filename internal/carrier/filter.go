package carrier

import (
	"cmp"
	"slices"
	"strings"

	"github.com/soyeahso/shipbot/internal/domain"
)

// MaxPerCarrier caps how many services of one carrier are offered.
const MaxPerCarrier = 5

// AllowedServices lists the services offered per carrier code. Carriers not
// listed pass through unfiltered.
var AllowedServices = map[string][]string{
	"ups": {
		"ups_ground", "ups_3_day_select", "ups_2nd_day_air",
		"ups_next_day_air", "ups_next_day_air_saver",
	},
	"fedex_walleted": {
		"fedex_ground", "fedex_economy", "fedex_2day",
		"fedex_standard_overnight", "fedex_priority_overnight",
	},
	"usps": {
		"usps_ground_advantage", "usps_priority_mail", "usps_priority_mail_express",
	},
	"stamps_com": {
		"usps_ground_advantage", "usps_priority_mail", "usps_priority_mail_express",
		"usps_first_class_mail", "usps_media_mail",
	},
}

// FilterServices drops services that are not in the allow-list of their carrier.
func FilterServices(rates []domain.Rate, allowed map[string][]string) []domain.Rate {
	var out []domain.Rate
	for _, r := range rates {
		services, listed := allowed[strings.ToLower(r.CarrierCode)]
		if listed && !slices.Contains(services, strings.ToLower(r.ServiceCode)) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Balance keeps the cheapest rate per service, at most max per carrier, and
// sorts the result by amount. Ties keep provider order.
func Balance(rates []domain.Rate, max int) []domain.Rate {
	byCarrier := map[string][]domain.Rate{}
	var carriers []string
	for _, r := range rates {
		if _, ok := byCarrier[r.Carrier]; !ok {
			carriers = append(carriers, r.Carrier)
		}
		byCarrier[r.Carrier] = append(byCarrier[r.Carrier], r)
	}

	var out []domain.Rate
	for _, c := range carriers {
		list := byCarrier[c]
		slices.SortStableFunc(list, byAmount)

		seen := map[string]bool{}
		n := 0
		for _, r := range list {
			if n == max {
				break
			}
			if seen[r.Service] {
				continue
			}
			seen[r.Service] = true
			out = append(out, r)
			n++
		}
	}
	slices.SortStableFunc(out, byAmount)
	return out
}

// Markup adds a fixed amount to every rate, keeping the carrier amount in
// OriginalAmount.
func Markup(rates []domain.Rate, add domain.Money) []domain.Rate {
	out := make([]domain.Rate, len(rates))
	for i, r := range rates {
		if r.OriginalAmount == 0 {
			r.OriginalAmount = r.Amount
		}
		r.Amount = r.OriginalAmount + add
		out[i] = r
	}
	return out
}

func byAmount(a, b domain.Rate) int { return cmp.Compare(a.Amount, b.Amount) }
