package retrieval

// DefaultNamespace is the collection queried by the generation step.
const DefaultNamespace = "recipes"

// SeedCorpus is a small built-in set of reference recipes indexed at startup
// so retrieval works out of the box without an external ingestion job.
var SeedCorpus = []string{
	"Spaghetti aglio e olio: spaghetti, garlic, olive oil, chili flakes, parsley. Boil pasta al dente, gently fry sliced garlic in oil, toss with pasta water. Ready in 20 minutes.",
	"Vegetable stir fry: mixed vegetables, soy sauce, ginger, garlic, sesame oil. High heat, keep vegetables crisp, sauce in the last minute. Ready in 15 minutes. Vegan.",
	"Classic pancakes: flour, milk, eggs, baking powder, butter. Rest the batter 10 minutes, cook on medium heat until bubbles form. Ready in 25 minutes. Vegetarian.",
	"Lentil soup: red lentils, onion, carrot, cumin, vegetable stock. Sweat aromatics, simmer 25 minutes, blend half for texture. Ready in 40 minutes. Vegan, gluten-free.",
	"Baked salmon with herbs: salmon fillet, lemon, dill, olive oil. Oven at 200C for 12-15 minutes depending on thickness. Ready in 20 minutes. Gluten-free.",
	"Mushroom risotto: arborio rice, mushrooms, white wine, parmesan, stock. Add stock one ladle at a time, stir often, finish with butter. Ready in 35 minutes. Vegetarian.",
	"Chickpea curry: chickpeas, coconut milk, tomato, curry powder, onion. Simmer 20 minutes until thickened, serve with rice. Ready in 30 minutes. Vegan, gluten-free.",
	"Greek salad: tomato, cucumber, red onion, feta, olives, oregano. No cooking, dress with olive oil and red wine vinegar. Ready in 10 minutes. Vegetarian, gluten-free.",
	"Chocolate mug cake: flour, cocoa, sugar, milk, oil. Microwave 90 seconds in a mug. Ready in 5 minutes. Vegetarian.",
	"Chicken fajitas: chicken breast, bell peppers, onion, fajita spices, tortillas. Sear chicken strips, soften peppers, warm tortillas. Ready in 25 minutes.",
}
