package extract

import (
	"regexp"

	"github.com/openclinic/medrag/pkg/corpus"
)

// Base confidences per pattern family. Exact lexicon hits score higher than
// morphological guesses; all values stay within [0.7, 0.95].
const (
	confMedicationExact  = 0.95
	confMedicationSuffix = 0.70
	confCondition        = 0.90
	confProcedure        = 0.90
	confSymptom          = 0.85
	confBodyPart         = 0.80
	confTemporal         = 0.75
)

// clinicalPatterns is the fixed extraction pattern set. Order matters only
// for determinism of candidate collection; span conflicts are resolved by
// confidence afterwards.
var clinicalPatterns = []pattern{
	// Medications: exact lexicon first, then common drug-name suffixes as a
	// lower-confidence fallback for names the lexicon misses.
	{
		re: regexp.MustCompile(`(?i)\b(?:aspirin|metformin|lisinopril|atorvastatin|simvastatin|insulin|ibuprofen|acetaminophen|paracetamol|amoxicillin|azithromycin|ciprofloxacin|warfarin|heparin|clopidogrel|omeprazole|pantoprazole|prednisone|albuterol|salbutamol|morphine|oxycodone|furosemide|metoprolol|atenolol|losartan|amlodipine|gabapentin|sertraline|levothyroxine|hydrochlorothiazide)\b`),
		entityType: corpus.EntityMedication,
		confidence: confMedicationExact,
	},
	{
		re:         regexp.MustCompile(`(?i)\b[a-z]{3,}(?:cillin|mycin|floxacin|statin|olol|pril|sartan|prazole|dipine|semide|azepam)\b`),
		entityType: corpus.EntityMedication,
		confidence: confMedicationSuffix,
	},

	// Conditions.
	{
		re: regexp.MustCompile(`(?i)\b(?:diabetes(?:\s+mellitus)?|hypertension|hypotension|asthma|pneumonia|copd|chronic\s+obstructive\s+pulmonary\s+disease|myocardial\s+infarction|heart\s+failure|congestive\s+heart\s+failure|atrial\s+fibrillation|stroke|sepsis|anemia|arthritis|osteoporosis|depression|anxiety|hyperlipidemia|hypothyroidism|hyperthyroidism|chronic\s+kidney\s+disease|renal\s+failure|cirrhosis|hepatitis|tuberculosis|pulmonary\s+embolism|deep\s+vein\s+thrombosis|appendicitis|pancreatitis|fracture|obesity|cancer|carcinoma|lymphoma|leukemia)\b`),
		entityType: corpus.EntityCondition,
		confidence: confCondition,
	},

	// Procedures.
	{
		re: regexp.MustCompile(`(?i)\b(?:chest\s+x-?ray|x-?ray|radiograph|ct\s+scan|computed\s+tomography|mri|magnetic\s+resonance\s+imaging|ultrasound|echocardiogram|electrocardiogram|ecg|ekg|biopsy|surgery|appendectomy|cholecystectomy|endoscopy|colonoscopy|bronchoscopy|intubation|dialysis|catheterization|angiography|angioplasty|transfusion|vaccination|thoracentesis|lumbar\s+puncture)\b`),
		entityType: corpus.EntityProcedure,
		confidence: confProcedure,
	},

	// Symptoms.
	{
		re: regexp.MustCompile(`(?i)\b(?:chest\s+pain|abdominal\s+pain|back\s+pain|headache|pain|fever|cough|nausea|vomiting|dizziness|vertigo|fatigue|shortness\s+of\s+breath|dyspnea|palpitations|swelling|edema|rash|chills|sweating|diaphoresis|weakness|numbness|tingling|wheezing|diarrhea|constipation|insomnia|confusion|syncope|hemoptysis|jaundice)\b`),
		entityType: corpus.EntitySymptom,
		confidence: confSymptom,
	},

	// Body parts.
	{
		re: regexp.MustCompile(`(?i)\b(?:head|chest|thorax|abdomen|pelvis|heart|lungs?|liver|kidneys?|spleen|pancreas|brain|spine|arms?|legs?|knees?|shoulders?|elbows?|stomach|throat|neck|hips?|ankles?|wrists?|eyes?|ears?|skin|bladder|colon|esophagus)\b`),
		entityType: corpus.EntityBodyPart,
		confidence: confBodyPart,
	},

	// Temporal expressions.
	{
		re: regexp.MustCompile(`(?i)\b(?:\d+\s+(?:minute|hour|day|week|month|year)s?\s+ago|for\s+(?:the\s+past\s+)?\d+\s+(?:minute|hour|day|week|month|year)s?|yesterday|today|last\s+(?:night|week|month|year)|this\s+(?:morning|afternoon|evening)|on\s+admission|at\s+discharge|\d{4}-\d{2}-\d{2})\b`),
		entityType: corpus.EntityTemporal,
		confidence: confTemporal,
	},
}
