package extract

import (
	"regexp"
	"sort"
)

// Entity categories recognized in claim text
const (
	EntityGene     = "genes"
	EntityDrug     = "drugs"
	EntityMethod   = "methods"
	EntityOrganism = "organisms"
	EntityDisease  = "diseases"
)

var entityPatterns = map[string][]*regexp.Regexp{
	EntityGene: {
		regexp.MustCompile(`\b[A-Z][A-Z0-9]{2,10}\b`),
		regexp.MustCompile(`\bp\d{2,3}\b`),
	},
	EntityDrug: {
		regexp.MustCompile(`(?i)\b(rapamycin|sirolimus|metformin|resveratrol|aspirin|statins?|dasatinib|quercetin|fisetin|nicotinamide riboside|NMN|acarbose|spermidine)\b`),
	},
	EntityMethod: {
		regexp.MustCompile(`(?i)\b(qPCR|RT-PCR|RNA-seq|ChIP-seq|ELISA|Western blot|CRISPR|mass spectrometry|randomi[sz]ed controlled trial|meta-analysis|cohort study)\b`),
	},
	EntityOrganism: {
		regexp.MustCompile(`(?i)\b(C\. elegans|Caenorhabditis elegans|mouse|mice|rats?|humans?|zebrafish|Drosophila|yeast|primates?|dogs?)\b`),
	},
	EntityDisease: {
		regexp.MustCompile(`(?i)\b(cancer|diabetes|alzheimer'?s?|parkinson'?s?|cardiovascular|aging|ageing|senescence|neurodegeneration|inflammation|sarcopenia|osteoporosis|frailty)\b`),
	},
}

// genes that are plain acronyms rather than gene symbols
var geneStopList = map[string]bool{
	"DNA": true, "RNA": true, "THE": true, "AND": true, "USA": true, "NIH": true, "FDA": true,
	"BMI": true, "PCR": true, "CI": true, "HR": true, "OR": true, "RCT": true, "NCT": true, "PMID": true,
	"DOI": true, "ELISA": true, "CRISPR": true, "NMN": true,
}

// Entities returns the entities found in text, keyed by category. Values
// are sorted and distinct; empty categories are omitted.
func Entities(text string) map[string][]string {
	out := make(map[string][]string)
	for category, patterns := range entityPatterns {
		seen := make(map[string]bool)
		for _, p := range patterns {
			for _, m := range p.FindAllString(text, -1) {
				if category == EntityGene && geneStopList[m] {
					continue
				}
				if !seen[m] {
					seen[m] = true
					out[category] = append(out[category], m)
				}
			}
		}
		sort.Strings(out[category])
	}
	for k, v := range out {
		if len(v) == 0 {
			delete(out, k)
		}
	}
	return out
}
